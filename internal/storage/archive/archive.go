package archive

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/cistern/internal/constants"
	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/feed"
	"github.com/xtxerr/cistern/internal/logging"
	"github.com/xtxerr/cistern/internal/storage/types"
)

var log = logging.Component("archive")

// Archive reads and writes Parquet snapshots under one directory.
type Archive struct {
	dir  string
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	retention retentionCounters
}

var _ feed.Source = (*Archive)(nil)

// New creates an archive rooted at dir.
func New(dir string, opts Options) *Archive {
	return &Archive{dir: dir, opts: opts, now: time.Now}
}

// Dir returns the archive root.
func (a *Archive) Dir() string { return a.dir }

// Export writes samples of topic to a new file and returns its path.
// An empty snapshot writes nothing and returns "".
func (a *Archive) Export(topic string, samples []types.Sample) (string, error) {
	if len(samples) == 0 {
		return "", nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	path := a.nextPath(topic)

	var err error
	switch topic {
	case constants.TopicWaterLevels:
		err = writeFile(path, convert(samples, waterLevelToRow), a.opts)
	case constants.TopicAtmospheric:
		err = writeFile(path, convert(samples, atmosphericToRow), a.opts)
	default:
		return "", errors.NewUnknownTopic(topic)
	}
	if err != nil {
		return "", fmt.Errorf("export %s: %w", topic, err)
	}

	log.Info("exported", "topic", topic, "rows", len(samples), "path", path)
	return path, nil
}

// nextPath names the file after the export time, bumped past any existing
// file so two exports in the same millisecond do not collide.
func (a *Archive) nextPath(topic string) string {
	ms := a.now().UnixMilli()
	for {
		path := filepath.Join(a.dir, topic, fmt.Sprintf("%s-%d.parquet", topic, ms))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		ms++
	}
}

func convert[T types.Sample, R any](samples []types.Sample, fn func(T) R) []R {
	rows := make([]R, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.(T); ok {
			rows = append(rows, fn(v))
		}
	}
	return rows
}

// Files returns the archive files of topic, oldest first.
func (a *Archive) Files(topic string) ([]string, error) {
	files, err := a.list(topic)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// file is one archive file and the export time encoded in its name.
type file struct {
	path string
	ms   int64
	size int64
}

func (a *Archive) list(topic string) ([]file, error) {
	entries, err := os.ReadDir(filepath.Join(a.dir, topic))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var files []file
	prefix := topic + "-"
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".parquet") {
			continue
		}
		var ms int64
		if _, err := fmt.Sscanf(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".parquet"), "%d", &ms); err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files = append(files, file{path: filepath.Join(a.dir, topic, name), ms: ms, size: info.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ms < files[j].ms })
	return files, nil
}

// ReadFile returns the rows of one archive file in file order.
func (a *Archive) ReadFile(topic, path string) ([]types.Row, error) {
	switch topic {
	case constants.TopicWaterLevels:
		rows, err := readFile[WaterLevelRow](path)
		return toRows(rows, WaterLevelRow.row), err
	case constants.TopicAtmospheric:
		rows, err := readFile[AtmosphericRow](path)
		return toRows(rows, AtmosphericRow.row), err
	default:
		return nil, errors.NewUnknownTopic(topic)
	}
}

func toRows[R any](rows []R, fn func(R) types.Row) []types.Row {
	out := make([]types.Row, len(rows))
	for i, r := range rows {
		out[i] = fn(r)
	}
	return out
}

// FetchLatest returns the limit newest rows of topic across all archive
// files, newest first. Snapshots are newest first within a file, and later
// files take precedence; a sample archived twice is returned once.
func (a *Archive) FetchLatest(ctx context.Context, topic string, limit int) ([]types.Row, error) {
	if !constants.IsValidTopic(topic) {
		return nil, errors.NewUnknownTopic(topic)
	}

	files, err := a.Files(topic)
	if err != nil {
		return nil, errors.NewLoadFailure(topic, err)
	}

	seen := make(map[string]struct{})
	var out []types.Row
	for _, path := range slices.Backward(files) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows, err := a.ReadFile(topic, path)
		if err != nil {
			return nil, errors.NewLoadFailure(topic, err)
		}
		for _, r := range rows {
			id, _ := r[constants.FieldID].(string)
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r)
			if limit > 0 && len(out) == limit {
				return out, nil
			}
		}
	}
	return out, nil
}
