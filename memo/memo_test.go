package memo

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sanguine-rose/availability/engerr"
)

func touch(t *testing.T, path string, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestComputeMissThenHit(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	calls := 0
	compute := func(p any) (string, error) {
		calls++
		return "computed:" + p.(string), nil
	}

	cacheData := CacheData{}
	result, overwrites, err := Compute(m, cacheData, "pfx", []string{input}, "params-a", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result != "computed:params-a" {
		t.Fatalf("got %q", result)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	for k, v := range overwrites {
		cacheData[k] = v
	}

	result2, overwrites2, err := Compute(m, cacheData, "pfx", []string{input}, "params-a", compute)
	if err != nil {
		t.Fatalf("Compute (hit): %v", err)
	}
	if result2 != result {
		t.Fatalf("cache hit returned different result: %q vs %q", result2, result)
	}
	if calls != 1 {
		t.Fatalf("expected compute not to run again on cache hit, calls=%d", calls)
	}
	if len(overwrites2) != 0 {
		t.Fatalf("expected no overwrites on cache hit, got %v", overwrites2)
	}
}

func TestComputeInvalidatesOnParamsChange(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	calls := 0
	compute := func(p any) (string, error) {
		calls++
		return p.(string), nil
	}

	cacheData := CacheData{}
	_, overwrites, err := Compute(m, cacheData, "pfx", []string{input}, "a", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for k, v := range overwrites {
		cacheData[k] = v
	}

	result, _, err := Compute(m, cacheData, "pfx", []string{input}, "b", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result != "b" {
		t.Fatalf("expected recompute with new params, got %q", result)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestComputeInvalidatesOnMtimeChange(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	compute := func(p any) (string, error) { return "x", nil }

	cacheData := CacheData{}
	_, overwrites, err := Compute(m, cacheData, "pfx", []string{input}, "a", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for k, v := range overwrites {
		cacheData[k] = v
	}

	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(input, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	calls := 0
	compute2 := func(p any) (string, error) {
		calls++
		return "y", nil
	}
	result, _, err := Compute(m, cacheData, "pfx", []string{input}, "a", compute2)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result != "y" || calls != 1 {
		t.Fatalf("expected recompute after mtime change, got result=%q calls=%d", result, calls)
	}
}

func TestComputeDetectsRace(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	compute := func(p any) (string, error) {
		future := time.Now().Add(time.Hour)
		if err := os.Chtimes(input, future, future); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
		return "x", nil
	}

	_, _, err = Compute(m, CacheData{}, "pfx", []string{input}, "a", compute)
	var ee *engerr.Error
	if err == nil {
		t.Fatalf("expected RaceError")
	}
	if !errors.As(err, &ee) || ee.Kind != engerr.RaceError {
		t.Fatalf("expected RaceError, got %v", err)
	}
}

func TestComputeCorruptBlobIsTreatedAsMiss(t *testing.T) {
	dir := t.TempDir()
	cachedir := filepath.Join(dir, "cache")
	m, err := New(cachedir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	compute := func(p any) (string, error) { return "x", nil }
	cacheData := CacheData{}
	_, overwrites, err := Compute(m, cacheData, "pfx", []string{input}, "a", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	for k, v := range overwrites {
		cacheData[k] = v
	}

	// Corrupt the blob on disk directly.
	if err := m.blobs.write("pfx", []byte("not msgpack at all, definitely corrupt")); err != nil {
		t.Fatalf("write: %v", err)
	}

	calls := 0
	compute2 := func(p any) (string, error) {
		calls++
		return "recovered", nil
	}
	result, _, err := Compute(m, cacheData, "pfx", []string{input}, "a", compute2)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if result != "recovered" || calls != 1 {
		t.Fatalf("expected recompute on corrupt blob, got result=%q calls=%d", result, calls)
	}
}

func TestCacheDataRoundTripsAcrossSaveLoad(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "cache"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	input := filepath.Join(dir, "input.txt")
	touch(t, input, "v1")

	calls := 0
	compute := func(p any) (string, error) {
		calls++
		return "computed", nil
	}
	_, overwrites, err := Compute(m, CacheData{}, "pfx", []string{input}, "a", compute)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	cdPath := filepath.Join(dir, "cache-data.msgpack")
	if err := SaveCacheData(cdPath, overwrites); err != nil {
		t.Fatalf("SaveCacheData: %v", err)
	}

	reloaded, err := LoadCacheData(cdPath)
	if err != nil {
		t.Fatalf("LoadCacheData: %v", err)
	}

	// A Compute call fed the reloaded cache data, with nothing on disk
	// changed, must be a hit: this is exactly the cross-process warm
	// start that persisting cache data exists for.
	result, _, err := Compute(m, reloaded, "pfx", []string{input}, "a", compute)
	if err != nil {
		t.Fatalf("Compute after reload: %v", err)
	}
	if result != "computed" || calls != 1 {
		t.Fatalf("expected cache hit after reloading persisted cache data, got result=%q calls=%d", result, calls)
	}
}

func TestLoadCacheDataMissingFileIsEmptyNotError(t *testing.T) {
	cd, err := LoadCacheData(filepath.Join(t.TempDir(), "does-not-exist.msgpack"))
	if err != nil {
		t.Fatalf("LoadCacheData: %v", err)
	}
	if len(cd) != 0 {
		t.Fatalf("expected empty CacheData for a missing file, got %v", cd)
	}
}
