package modules

import (
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/utils"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/okieraised/go-triton-client/triton_proto"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ConfidenceProducer computes the confidence volume (H, W, S, S, C) and the
// feature volume (S*S*F, H, W) for one preprocessed input.
type ConfidenceProducer interface {
	Produce(input *tensor.Dense) (confidence, features *tensor.Dense, err error)
}

type TritonConfidenceClient struct {
	tritonClient *gotritonclient.TritonGRPCClient
	ModelParams  *config.TritonParams
	ModelConfig  *triton_proto.ModelConfigResponse
}

func NewTritonConfidenceClient(tritonClient *gotritonclient.TritonGRPCClient, cfg *config.TritonParams) (*TritonConfidenceClient, error) {
	client := &TritonConfidenceClient{}
	client.ModelParams = cfg

	inferenceConfig, err := tritonClient.GetModelConfiguration(cfg.Timeout, cfg.ModelName, "")
	if err != nil {
		return nil, err
	}
	client.tritonClient = tritonClient
	client.ModelConfig = inferenceConfig

	return client, nil
}

func (c *TritonConfidenceClient) Produce(input *tensor.Dense) (*tensor.Dense, *tensor.Dense, error) {
	data, err := utils.Float32Backing(input)
	if err != nil {
		return nil, nil, err
	}
	inputShape := make([]int64, 0, input.Dims())
	for _, s := range input.Shape() {
		inputShape = append(inputShape, int64(s))
	}

	modelRequest := &triton_proto.ModelInferRequest{
		ModelName: c.ModelParams.ModelName,
	}
	modelInputs := make([]*triton_proto.ModelInferRequest_InferInputTensor, 0)
	for _, inputCfg := range c.ModelConfig.Config.Input {
		modelInput := &triton_proto.ModelInferRequest_InferInputTensor{
			Name:     inputCfg.Name,
			Datatype: inputCfg.DataType.String()[5:],
			Shape:    inputShape,
			Contents: &triton_proto.InferTensorContents{
				Fp32Contents: data,
			},
		}
		modelInputs = append(modelInputs, modelInput)
	}
	modelRequest.Inputs = modelInputs

	inferResp, err := c.tritonClient.ModelGRPCInfer(c.ModelParams.Timeout, modelRequest)
	if err != nil {
		return nil, nil, err
	}
	outputs, err := decodeOutputs(inferResp, c.ModelParams.ConfidenceOutput, c.ModelParams.FeatureOutput)
	if err != nil {
		return nil, nil, err
	}
	return outputs[0], outputs[1], nil
}

// decodeOutputs returns the raw float32 outputs with the given names, in order.
func decodeOutputs(resp *triton_proto.ModelInferResponse, names ...string) ([]*tensor.Dense, error) {
	byName := make(map[string]*tensor.Dense, len(resp.Outputs))
	for idx, out := range resp.Outputs {
		if idx >= len(resp.RawOutputContents) {
			return nil, errors.Errorf("output %q has no raw contents", out.Name)
		}
		outShape := make([]int, 0, len(out.Shape))
		for _, shape := range out.Shape {
			outShape = append(outShape, int(shape))
		}
		backing, err := utils.BytesToFloat32s(resp.RawOutputContents[idx])
		if err != nil {
			return nil, errors.Wrapf(err, "output %q", out.Name)
		}
		if tensor.Shape(outShape).TotalSize() != len(backing) {
			return nil, errors.Wrapf(ErrShapeMismatch, "output %q has shape %v but %d values", out.Name, outShape, len(backing))
		}
		byName[out.Name] = tensor.New(
			tensor.Of(tensor.Float32),
			tensor.WithShape(outShape...),
			tensor.WithBacking(backing),
		)
	}

	outputs := make([]*tensor.Dense, len(names))
	for i, name := range names {
		t, ok := byName[name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingBlob, "model output %q", name)
		}
		outputs[i] = t
	}
	return outputs, nil
}
