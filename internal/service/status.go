package service

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/greymass/statehistory/internal/chain"
	"github.com/greymass/statehistory/internal/logger"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type logStatus struct {
	BeginBlock uint32 `json:"begin_block"`
	EndBlock   uint32 `json:"end_block"`
	SizeBytes  int64  `json:"size_bytes"`
}

type statusReport struct {
	Head             chain.BlockPosition `json:"head"`
	LastIrreversible chain.BlockPosition `json:"last_irreversible"`
	ChainID          chain.Checksum256   `json:"chain_id"`
	Sessions         int                 `json:"sessions"`
	TraceLog         *logStatus          `json:"trace_log,omitempty"`
	ChainStateLog    *logStatus          `json:"chain_state_log,omitempty"`
}

func (s *Service) buildStatus() statusReport {
	report := statusReport{
		Head:             s.chainReader.Head(),
		LastIrreversible: s.chainReader.LastIrreversible(),
		ChainID:          s.chainReader.ChainID(),
		Sessions:         s.SessionCount(),
	}
	if s.traceLog != nil {
		report.TraceLog = &logStatus{
			BeginBlock: s.traceLog.BeginBlock(),
			EndBlock:   s.traceLog.EndBlock(),
			SizeBytes:  s.traceLog.Size(),
		}
	}
	if s.chainStateLog != nil {
		report.ChainStateLog = &logStatus{
			BeginBlock: s.chainStateLog.BeginBlock(),
			EndBlock:   s.chainStateLog.EndBlock(),
			SizeBytes:  s.chainStateLog.Size(),
		}
	}
	return report
}

// ServeMetrics exposes /metrics and /v1/status on the given address. The
// status snapshot is taken on the executor so it never races the store
// path.
func (s *Service) ServeMetrics(address string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, r *http.Request) {
		reportCh := make(chan statusReport, 1)
		s.server.Post(func() {
			reportCh <- s.buildStatus()
		})
		report := <-reportCh

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(report); err != nil {
			logger.Warning("status encode error: %v", err)
		}
	})

	go func() {
		if err := http.ListenAndServe(address, mux); err != nil {
			logger.Warning("metrics server error: %v", err)
		}
	}()
	logger.Printf("startup", "metrics listening on %s", address)
}
