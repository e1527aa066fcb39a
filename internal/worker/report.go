package worker

import (
	"sort"
	"time"
)

// InstallReport 汇总一次 install 的结果，按清单顺序排列。
type InstallReport struct {
	Generation string         `json:"generation"`
	Stored     []string       `json:"stored"`
	Skipped    []SkippedAsset `json:"skipped"`
	Duration   time.Duration  `json:"duration_ns"`
}

// SkippedAsset 记录一个未能预缓存的清单条目。
type SkippedAsset struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// ActivateReport 列出 activate 阶段删除的旧 generation。
type ActivateReport struct {
	Generation string   `json:"generation"`
	Purged     []string `json:"purged"`
}

type assetResult struct {
	Path   string
	Stored bool
	Reason string
}

func newInstallReport(generation string, results []assetResult, elapsed time.Duration) InstallReport {
	report := InstallReport{Generation: generation, Duration: elapsed}
	for _, result := range results {
		if result.Stored {
			report.Stored = append(report.Stored, result.Path)
			continue
		}
		report.Skipped = append(report.Skipped, SkippedAsset{Path: result.Path, Reason: result.Reason})
	}
	return report
}

func (r InstallReport) clone() InstallReport {
	r.Stored = append([]string(nil), r.Stored...)
	r.Skipped = append([]SkippedAsset(nil), r.Skipped...)
	return r
}

func sortedCopy(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}
