package main

import (
	"log"

	arg "github.com/alexflint/go-arg"
	rfcn "github.com/okieraised/go-rfcn-regions"
	"github.com/okieraised/go-rfcn-regions/config"
	"github.com/okieraised/go-rfcn-regions/modules"
	gotritonclient "github.com/okieraised/go-triton-client"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

// rfcn-prepare estimates per-class boundary and offset tables from a box
// statistics file and writes them for later training runs.
func main() {
	args := struct {
		Boxes  string `arg:"positional,required" help:"(N, 3) .npy matrix of class, width, height rows"`
		Out    string `arg:"positional,required" help:"output directory for the tables"`
		Config string `help:"yaml configuration file"`
		Triton string `help:"check that the region head model is served at this address"`
		Debug  bool   `help:"log every estimated table"`
	}{}
	arg.MustParse(&args)

	var logger *zap.Logger
	var err error
	if args.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	cfg := config.DefaultConfig()
	if args.Config != "" {
		cfg, err = config.LoadConfig(args.Config)
		if err != nil {
			logger.Fatal("load config", zap.Error(err))
		}
	}

	if args.Triton != "" {
		checkTriton(args.Triton, cfg.Triton, logger)
	}

	fs := afero.NewOsFs()
	stats, err := rfcn.ReadStatistics(fs, args.Boxes, cfg.Region.NumClasses)
	if err != nil {
		logger.Fatal("read box statistics", zap.Error(err))
	}

	rc, err := rfcn.NewContext(cfg.Region, stats, logger)
	if err != nil {
		logger.Fatal("estimate tables", zap.Error(err))
	}

	if err := rfcn.NewTableStore(fs, args.Out).Save(rc); err != nil {
		logger.Fatal("save tables", zap.Error(err))
	}

	seen := 0
	for class := 1; class < rc.NumClasses(); class++ {
		if rc.Seen(class) {
			seen++
		}
	}
	logger.Info("tables written",
		zap.String("dir", args.Out),
		zap.Int("classes", seen),
		zap.Int("bins", cfg.Region.Bins()),
		zap.Int("offsets", cfg.Region.NumRegions*cfg.Region.NumSamples),
	)
}

func checkTriton(url string, params *config.TritonParams, logger *zap.Logger) {
	tritonClient, err := gotritonclient.NewTritonGRPCClient(
		url,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{PermitWithoutStream: true}),
	)
	if err != nil {
		logger.Fatal("connect triton", zap.String("url", url), zap.Error(err))
	}
	client, err := modules.NewTritonConfidenceClient(tritonClient, params)
	if err != nil {
		logger.Fatal("fetch model configuration", zap.String("model", params.ModelName), zap.Error(err))
	}
	outputs := map[string]bool{}
	for _, output := range client.ModelConfig.Config.Output {
		outputs[output.Name] = true
	}
	for _, name := range []string{params.ConfidenceOutput, params.FeatureOutput} {
		if !outputs[name] {
			logger.Fatal("model does not serve output", zap.String("model", params.ModelName), zap.String("output", name))
		}
	}
	logger.Info("triton model ready", zap.String("model", params.ModelName))
}
