// Package main runs prior authorization cases from the command line, one at
// a time or from a batch file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/drfirst/go-pafill/internal/app"
	"github.com/drfirst/go-pafill/internal/artifacts"
	"github.com/drfirst/go-pafill/internal/config"
	"github.com/drfirst/go-pafill/internal/pipeline"
)

type flags struct {
	caseID      string
	formVersion string
	form        string
	referral    string
	batch       string
	report      bool
}

func main() {
	os.Exit(run())
}

func run() int {
	if err := app.LoadEnv(); err != nil {
		fmt.Fprintln(os.Stderr, "load .env:", err)
		return 2
	}

	var f flags
	cfg, _, err := config.Load("pafill", os.Args[1:], func(fs *pflag.FlagSet) {
		fs.StringVar(&f.caseID, "case-id", "", "Case id (single case)")
		fs.StringVar(&f.formVersion, "form-version", "", "Form version of the template (single case)")
		fs.StringVar(&f.form, "form", "", "Path to the blank PDF form template (single case)")
		fs.StringVar(&f.referral, "referral", "", "Path to the referral document (single case)")
		fs.StringVar(&f.batch, "batch", "", "YAML batch file listing cases")
		fs.BoolVar(&f.report, "report", false, "Print the missing-fields report of each finished case")
	})
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := app.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logger.Sync()

	requests, baseDir, err := requests(f)
	if err != nil {
		logger.Error("invalid invocation", zap.Error(err))
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "pafill", cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return 1
	}
	a.Start()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		a.Close(closeCtx)
	}()

	inputs := make([]pipeline.CaseInput, 0, len(requests))
	for _, req := range requests {
		in, err := req.Input(baseDir)
		if err != nil {
			logger.Error("cannot read case documents", zap.String("case_id", req.CaseID), zap.Error(err))
			return 2
		}
		inputs = append(inputs, in)
	}

	results := a.Runner.RunBatch(ctx, inputs)
	enc := json.NewEncoder(os.Stdout)
	for _, res := range results {
		line := map[string]any{"case_id": res.CaseID, "outcome": res.Outcome}
		if res.Err != nil {
			line["error"] = res.Err.Error()
		}
		enc.Encode(line)
		if f.report && res.Err == nil {
			if text, err := a.Store.Read(res.CaseID, artifacts.ReportText); err == nil {
				os.Stdout.Write(text)
			}
		}
	}

	if failed := pipeline.Failed(results); len(failed) > 0 {
		logger.Warn("cases failed", zap.Int("failed", len(failed)), zap.Int("total", len(results)))
		return 1
	}
	return 0
}

func requests(f flags) ([]pipeline.CaseRequest, string, error) {
	if f.batch != "" {
		file, err := os.Open(f.batch)
		if err != nil {
			return nil, "", err
		}
		defer file.Close()
		reqs, err := pipeline.ReadBatch(file)
		return reqs, filepath.Dir(f.batch), err
	}
	if f.caseID == "" || f.formVersion == "" || f.form == "" || f.referral == "" {
		return nil, "", errors.New("either --batch or all of --case-id, --form-version, --form and --referral are required")
	}
	return []pipeline.CaseRequest{{
		CaseID:       f.caseID,
		FormVersion:  f.formVersion,
		TemplatePath: f.form,
		ReferralPath: f.referral,
	}}, "", nil
}
