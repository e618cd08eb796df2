package service

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bossfight/models"
)

func testResults() models.FightResults {
	return models.FightResults{
		RoundID:      42,
		Coin:         "TESTCOIN",
		BossDefeated: true,
		FinalHP:      0,
		MaxHP:        3,
		TotalHits:    3,
		UserHits: map[string]uint32{
			"alice": 2,
			"bob":   1,
		},
		TopHitters: []models.UserHitCount{
			{Username: "alice", Hits: 2},
			{Username: "bob", Hits: 1},
		},
		LastHitter: "bob",
		EndedAt:    1700000000000,
	}
}

func TestExportWritesJSONAndCSV(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(dir, "TESTCOIN")
	fixed := time.UnixMilli(1700000001234)
	e.now = func() time.Time { return fixed }

	require.NoError(t, e.Export(testResults()))

	base := fmt.Sprintf("bossfight_TESTCOIN_42_%d", fixed.UnixMilli())

	jsonData, err := os.ReadFile(filepath.Join(dir, base+".json"))
	require.NoError(t, err)
	var decoded models.FightResults
	require.NoError(t, json.Unmarshal(jsonData, &decoded))
	assert.Equal(t, uint64(42), decoded.RoundID)
	assert.True(t, decoded.BossDefeated)
	assert.Equal(t, uint32(2), decoded.UserHits["alice"])
	assert.Equal(t, "bob", decoded.LastHitter)

	f, err := os.Open(filepath.Join(dir, base+".csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"username", "hits"}, rows[0])
	assert.Equal(t, []string{"alice", "2"}, rows[1])
	assert.Equal(t, []string{"bob", "1"}, rows[2])
}

func TestExportCSVOrdersTiesAlphabetically(t *testing.T) {
	dir := t.TempDir()
	e := NewExporter(dir, "C")
	fixed := time.UnixMilli(1)
	e.now = func() time.Time { return fixed }

	results := testResults()
	results.UserHits = map[string]uint32{"zed": 1, "amy": 1, "max": 5}
	require.NoError(t, e.Export(results))

	f, err := os.Open(filepath.Join(dir, fmt.Sprintf("bossfight_C_42_%d.csv", fixed.UnixMilli())))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "max", rows[1][0])
	assert.Equal(t, "amy", rows[2][0])
	assert.Equal(t, "zed", rows[3][0])
}

func TestExportCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "exports")
	e := NewExporter(dir, "C")

	require.NoError(t, e.Export(testResults()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
