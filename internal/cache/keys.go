package cache

import (
	"fmt"
	"time"
)

const (
	ScrapeTTL    = 30 * time.Minute
	ProductTTL   = 2 * time.Hour
	AnalysisTTL  = time.Hour
	JobStatusTTL = 10 * time.Minute
)

// TTLs groups the expiry classes so config can override them.
type TTLs struct {
	Scrape    time.Duration
	Product   time.Duration
	Analysis  time.Duration
	JobStatus time.Duration
}

func DefaultTTLs() TTLs {
	return TTLs{
		Scrape:    ScrapeTTL,
		Product:   ProductTTL,
		Analysis:  AnalysisTTL,
		JobStatus: JobStatusTTL,
	}
}

func ProductKey(marketplace, id string) string {
	return fmt.Sprintf("product:%s:%s", marketplace, id)
}

// ProductPattern matches product keys of one marketplace, or all of them
// when marketplace is empty.
func ProductPattern(marketplace string) string {
	if marketplace == "" {
		return "product:*"
	}
	return fmt.Sprintf("product:%s:*", marketplace)
}

func AnalysisKey(videoID string) string {
	return "yt_analysis:" + videoID
}

func JobStatusKey(jobID string) string {
	return "job_status:" + jobID
}
