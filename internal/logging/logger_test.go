package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reset clears package state between tests. Configure and Get share globals.
func reset(t *testing.T) {
	t.Helper()
	CloseAll()
	t.Cleanup(func() {
		CloseAll()
		configMu.Lock()
		config = Config{}
		logLevel = LevelInfo
		configMu.Unlock()
	})
}

func logFilePath(dir string, category Category) string {
	date := time.Now().Format("2006-01-02")
	return filepath.Join(dir, date+"_"+string(category)+".log")
}

func TestConfigureDisabledIsNoop(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: false, Dir: dir}))

	Boot("this should go nowhere")
	Get(CategoryAPI).Error("neither should this")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestConfigureRequiresDirInDebugMode(t *testing.T) {
	reset(t)
	assert.Error(t, Configure(Config{DebugMode: true, Dir: ""}))
}

func TestDebugModeWritesCategoryFiles(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: true, Dir: dir, Level: "debug"}))

	Scoring("fast score computed: %.3f", 0.42)
	Mutator("applied update to %s", "Behavior.md")
	CloseAll()

	data, err := os.ReadFile(logFilePath(dir, CategoryScoring))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fast score computed: 0.420")
	assert.Contains(t, string(data), "[INFO]")

	data, err = os.ReadFile(logFilePath(dir, CategoryMutator))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Behavior.md")
}

func TestCategoryToggle(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{
		DebugMode:  true,
		Dir:        dir,
		Categories: map[string]bool{"gateway": false},
	}))

	assert.False(t, IsCategoryEnabled(CategoryGateway))
	assert.True(t, IsCategoryEnabled(CategoryPipeline))

	Gateway("suppressed line")
	Pipeline("recorded line")
	CloseAll()

	_, err := os.Stat(logFilePath(dir, CategoryGateway))
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(logFilePath(dir, CategoryPipeline))
	require.NoError(t, err)
	assert.Contains(t, string(data), "recorded line")
}

func TestLevelFiltering(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: true, Dir: dir, Level: "warn"}))

	l := Get(CategoryIndex)
	l.Debug("debug line")
	l.Info("info line")
	l.Warn("warn line")
	l.Error("error line")
	CloseAll()

	data, err := os.ReadFile(logFilePath(dir, CategoryIndex))
	require.NoError(t, err)
	out := string(data)
	assert.NotContains(t, out, "debug line")
	assert.NotContains(t, out, "info line")
	assert.Contains(t, out, "warn line")
	assert.Contains(t, out, "error line")
}

func TestWithRequestIDPrefixesLines(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: true, Dir: dir, Level: "debug"}))

	rl := WithRequestID(CategoryAPI, "req-42")
	rl.Info("analyze started")
	rl.Debug("retrieved %d snippets", 3)
	CloseAll()

	data, err := os.ReadFile(logFilePath(dir, CategoryAPI))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Contains(t, line, "[req:req-42]")
	}
}

func TestTimerLogsDuration(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: true, Dir: dir, Level: "debug"}))

	timer := StartTimer(CategoryReasoner, "Analyze")
	elapsed := timer.Stop()
	assert.GreaterOrEqual(t, elapsed, time.Duration(0))
	CloseAll()

	data, err := os.ReadFile(logFilePath(dir, CategoryReasoner))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Analyze completed in")
}

func TestStopWithThresholdWarnsWhenSlow(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	require.NoError(t, Configure(Config{DebugMode: true, Dir: dir, Level: "debug"}))

	timer := StartTimer(CategoryGateway, "Call")
	time.Sleep(2 * time.Millisecond)
	timer.StopWithThreshold(time.Millisecond)
	CloseAll()

	data, err := os.ReadFile(logFilePath(dir, CategoryGateway))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[WARN]")
	assert.Contains(t, string(data), "threshold")
}

func TestGetReturnsNoopWhenDisabled(t *testing.T) {
	reset(t)
	require.NoError(t, Configure(Config{DebugMode: false}))

	l := Get(CategoryMemory)
	require.NotNil(t, l)
	// Must not panic with no backing file
	l.Info("to nowhere")
	l.Error("also to nowhere")
}
