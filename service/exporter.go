package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"bossfight/models"
)

// Exporter writes JSON and CSV round summaries to the export
// directory. Export failures never alter game state.
type Exporter struct {
	dir  string
	coin string
	now  func() time.Time
}

// NewExporter creates an exporter rooted at dir
func NewExporter(dir, coin string) *Exporter {
	return &Exporter{dir: dir, coin: coin, now: time.Now}
}

// Export writes bossfight_<coin>_<roundId>_<wallclockMs>.json and .csv
func (e *Exporter) Export(results models.FightResults) error {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return fmt.Errorf("creating export dir: %w", err)
	}

	base := fmt.Sprintf("bossfight_%s_%d_%d", e.coin, results.RoundID, e.now().UnixMilli())

	jsonPath := filepath.Join(e.dir, base+".json")
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling results: %w", err)
	}
	if err := os.WriteFile(jsonPath, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", jsonPath, err)
	}

	csvPath := filepath.Join(e.dir, base+".csv")
	if err := e.writeCSV(csvPath, results); err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"roundId":      results.RoundID,
		"bossDefeated": results.BossDefeated,
		"totalHits":    results.TotalHits,
		"topHitters":   results.TopHitters,
		"json":         jsonPath,
		"csv":          csvPath,
	}).Info("Round results exported")
	return nil
}

func (e *Exporter) writeCSV(path string, results models.FightResults) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"username", "hits"}); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}

	names := make([]string, 0, len(results.UserHits))
	for name := range results.UserHits {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if results.UserHits[names[i]] != results.UserHits[names[j]] {
			return results.UserHits[names[i]] > results.UserHits[names[j]]
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		if err := w.Write([]string{name, strconv.FormatUint(uint64(results.UserHits[name]), 10)}); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}
