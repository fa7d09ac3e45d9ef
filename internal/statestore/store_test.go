package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/killswitch/internal/util"
)

const counterSchema = `{
  "type": "object",
  "required": ["writers", "count"],
  "properties": {
    "writers": {"type": "array", "items": {"type": "string"}},
    "count": {"type": "integer", "minimum": 0}
  }
}`

type counterDoc struct {
	Writers []string `json:"writers"`
	Count   int      `json:"count"`
}

func contendedPolicy() util.RetryPolicy {
	return util.RetryPolicy{MaxAttempts: 200, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 1.5}
}

func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = filepath.Join(t.TempDir(), "state.json")
	}
	if opts.LockPolicy.MaxAttempts == 0 {
		opts.LockPolicy = contendedPolicy()
	}
	s, err := New(opts)
	require.NoError(t, err)
	return s
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

func TestNew_RequiresPath(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestNew_RejectsBadSchema(t *testing.T) {
	_, err := New(Options{Path: filepath.Join(t.TempDir(), "s.json"), Schema: []byte(`{"type": 12`)})
	assert.Error(t, err)
}

func TestInitialize_CreatesDocument(t *testing.T) {
	s := newTestStore(t, Options{})
	content := mustJSON(t, counterDoc{Writers: []string{}, Count: 0})

	doc, err := s.Initialize(context.Background(), content)
	require.NoError(t, err)
	assert.Equal(t, content, doc.Content)
	assert.NotEmpty(t, doc.Checksum)
	assert.True(t, s.Exists())

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, content, got.Content)
	assert.Equal(t, doc.Checksum, got.Checksum)
}

func TestInitialize_AlreadyExists(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Initialize(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	_, err = s.Initialize(context.Background(), []byte(`{"other": true}`))
	assert.ErrorIs(t, err, ErrAlreadyExists)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(got.Content), "existing document must not be overwritten")
}

func TestRead_NotFound(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Read()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdate_RoundTrip(t *testing.T) {
	cases := map[string]interface{}{
		"unicode":     map[string]string{"message": "停止 — arrêt d'urgence 🛑", "source": "ñandú"},
		"empty map":   map[string]interface{}{},
		"empty slice": map[string][]string{"agents": {}},
		"nested":      map[string]map[string]bool{"acks": {"agent-1": true, "agent-2": false}},
	}

	for name, value := range cases {
		t.Run(name, func(t *testing.T) {
			s := newTestStore(t, Options{})
			content := mustJSON(t, value)

			_, err := s.Update(context.Background(), func([]byte) ([]byte, error) { return content, nil })
			require.NoError(t, err)

			got, err := s.Read()
			require.NoError(t, err)
			assert.Equal(t, content, got.Content)
		})
	}
}

func TestUpdate_MutatorSeesCurrent(t *testing.T) {
	s := newTestStore(t, Options{})

	_, err := s.Update(context.Background(), func(current []byte) ([]byte, error) {
		assert.Nil(t, current, "missing document should give nil current")
		return []byte(`{"v":1}`), nil
	})
	require.NoError(t, err)

	_, err = s.Update(context.Background(), func(current []byte) ([]byte, error) {
		assert.Equal(t, `{"v":1}`, string(current))
		return []byte(`{"v":2}`), nil
	})
	require.NoError(t, err)
}

func TestUpdate_MutatorErrorLeavesDocument(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Initialize(context.Background(), []byte(`{"v":1}`))
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(context.Background(), func([]byte) ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got.Content))

	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Empty(t, backups, "aborted update must not leave a backup")

	// The lock was released: a follow-up update succeeds immediately.
	fast := newTestStore(t, Options{Path: s.Path(), LockPolicy: util.RetryPolicy{MaxAttempts: 1}})
	_, err = fast.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{"v":2}`), nil })
	require.NoError(t, err)
}

func TestUpdate_BackupEqualsPreviousContent(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Initialize(context.Background(), []byte(`{"v":1}`))
	require.NoError(t, err)

	_, err = s.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{"v":2}`), nil })
	require.NoError(t, err)

	latest, err := s.LatestBackup()
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(latest.Content))

	_, err = s.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{"v":3}`), nil })
	require.NoError(t, err)

	latest, err = s.LatestBackup()
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(latest.Content))
}

func TestUpdate_NoBackupForFirstWrite(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{}`), nil })
	require.NoError(t, err)

	_, err = s.LatestBackup()
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestUpdate_PrunesBackups(t *testing.T) {
	s := newTestStore(t, Options{MaxBackups: 3})
	_, err := s.Initialize(context.Background(), []byte(`{"v":0}`))
	require.NoError(t, err)

	for i := 1; i <= 6; i++ {
		v := i
		_, err := s.Update(context.Background(), func([]byte) ([]byte, error) {
			return []byte(fmt.Sprintf(`{"v":%d}`, v)), nil
		})
		require.NoError(t, err)
	}

	backups, err := s.Backups()
	require.NoError(t, err)
	require.Len(t, backups, 3)

	oldest, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, `{"v":3}`, string(oldest))
}

func TestUpdate_LockTimeout(t *testing.T) {
	s := newTestStore(t, Options{LockPolicy: util.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}})
	_, err := s.Initialize(context.Background(), []byte(`{}`))
	require.NoError(t, err)

	holder := flock.New(s.Path() + ".lock")
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer holder.Unlock()

	called := false
	_, err = s.Update(context.Background(), func([]byte) ([]byte, error) {
		called = true
		return []byte(`{"x":1}`), nil
	})
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.False(t, called, "mutator must not run without the lock")
}

func TestValidate_ReportsWithoutBlockingWrite(t *testing.T) {
	s := newTestStore(t, Options{Schema: []byte(counterSchema)})

	doc, err := s.Update(context.Background(), func([]byte) ([]byte, error) {
		return []byte(`{"writers": "not-a-list"}`), nil
	})
	require.NoError(t, err, "validation problems are warnings, not errors")
	assert.NotEmpty(t, doc.Problems)

	got, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, `{"writers": "not-a-list"}`, string(got.Content), "write is still committed")
}

func TestValidate_MalformedJSON(t *testing.T) {
	s := newTestStore(t, Options{Schema: []byte(counterSchema)})
	problems := s.Validate([]byte(`{"writers": [`))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Message, "not well-formed")
}

func TestValidate_RunsCheckers(t *testing.T) {
	s := newTestStore(t, Options{
		Schema: []byte(counterSchema),
		Checkers: []Checker{func(content []byte) []ValidationError {
			var d counterDoc
			if err := json.Unmarshal(content, &d); err != nil {
				return nil
			}
			if d.Count != len(d.Writers) {
				return []ValidationError{{Path: "/count", Message: "count does not match writers"}}
			}
			return nil
		}},
	})

	assert.Empty(t, s.Validate([]byte(`{"writers": ["a"], "count": 1}`)))

	problems := s.Validate([]byte(`{"writers": ["a"], "count": 2}`))
	require.Len(t, problems, 1)
	assert.Equal(t, "/count", problems[0].Path)
	assert.Equal(t, "/count: count does not match writers", problems[0].Error())
}

const nullableSchema = `{
  "type": "object",
  "properties": {
    "owner": {"oneOf": [{"type": "null"}, {"$ref": "#/$defs/owner"}]}
  },
  "$defs": {
    "owner": {"type": "object", "required": ["id"], "properties": {"id": {"type": "string"}}}
  }
}`

func TestValidate_NullableBranchDoesNotAddNoise(t *testing.T) {
	s := newTestStore(t, Options{Schema: []byte(nullableSchema)})

	assert.Empty(t, s.Validate([]byte(`{"owner": null}`)))
	assert.Empty(t, s.Validate([]byte(`{"owner": {"id": "a"}}`)))

	problems := s.Validate([]byte(`{"owner": {"name": "a"}}`))
	require.Len(t, problems, 1)
	assert.Contains(t, problems[0].Path, "owner")
	assert.Contains(t, problems[0].Message, "required")

	// Neither alternative has the right type: both mismatches are reported.
	problems = s.Validate([]byte(`{"owner": 5}`))
	require.NotEmpty(t, problems)
	for _, p := range problems {
		assert.Contains(t, p.Message, "type:")
	}
}

func TestChecksum_IgnoresFormatting(t *testing.T) {
	a := Checksum([]byte(`{"b":1,"a":[1,2]}`))
	b := Checksum([]byte("{\n  \"a\": [1, 2],\n  \"b\": 1\n}"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Checksum([]byte(`{"a":[2,1],"b":1}`)))
}

// Scenario C: concurrent writers are serialized into exactly N atomic writes,
// each preceded by a backup, and the final content validates cleanly.
func TestUpdate_ConcurrentWritersSerialized(t *testing.T) {
	const writers = 5
	s := newTestStore(t, Options{Schema: []byte(counterSchema), MaxBackups: 20})
	_, err := s.Initialize(context.Background(), mustJSON(t, counterDoc{Writers: []string{}, Count: 0}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			// Each writer uses its own Store, as separate processes would.
			w, err := New(Options{Path: s.Path(), Schema: []byte(counterSchema), MaxBackups: 20, LockPolicy: contendedPolicy()})
			if err != nil {
				errs <- err
				return
			}
			_, err = w.Update(context.Background(), func(current []byte) ([]byte, error) {
				var d counterDoc
				if err := json.Unmarshal(current, &d); err != nil {
					return nil, err
				}
				d.Writers = append(d.Writers, id)
				d.Count++
				return json.Marshal(d)
			})
			errs <- err
		}(fmt.Sprintf("writer-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := s.Read()
	require.NoError(t, err)
	var final counterDoc
	require.NoError(t, json.Unmarshal(got.Content, &final))
	assert.Equal(t, writers, final.Count)
	assert.Len(t, final.Writers, writers, "no update may be lost")
	assert.Empty(t, s.Validate(got.Content))

	backups, err := s.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, writers, "each write is preceded by one backup")
	for i, b := range backups {
		data, err := os.ReadFile(b)
		require.NoError(t, err)
		var snap counterDoc
		require.NoError(t, json.Unmarshal(data, &snap))
		assert.Equal(t, i, snap.Count, "backup %d should hold the pre-update content", i)
	}
}

// Atomicity: blind concurrent overwrites leave exactly one writer's full output.
func TestUpdate_ConcurrentOverwritesAtomic(t *testing.T) {
	const writers = 8
	s := newTestStore(t, Options{})

	outputs := make(map[string]bool, writers)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		payload := mustJSON(t, map[string]interface{}{"writer": i, "padding": fmt.Sprintf("%01024d", i)})
		mu.Lock()
		outputs[string(payload)] = true
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(context.Background(), func([]byte) ([]byte, error) { return payload, nil })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := s.Read()
	require.NoError(t, err)
	assert.True(t, outputs[string(got.Content)], "final content must equal one writer's output")
}

func TestRestore_RollsBackToLatestBackup(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Initialize(context.Background(), []byte(`{"v":1}`))
	require.NoError(t, err)
	_, err = s.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{"v":2}`), nil })
	require.NoError(t, err)

	doc, err := s.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(doc.Content))

	latest, err := s.LatestBackup()
	require.NoError(t, err)
	assert.Equal(t, `{"v":2}`, string(latest.Content), "restored-over content is backed up")
}

func TestRestore_NoBackup(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoBackup)
}

func TestWatch_SeesExternalWrites(t *testing.T) {
	s := newTestStore(t, Options{})
	_, err := s.Initialize(context.Background(), []byte(`{"v":1}`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := s.Watch(ctx, 5*time.Millisecond)

	other := newTestStore(t, Options{Path: s.Path()})
	_, err = other.Update(context.Background(), func([]byte) ([]byte, error) { return []byte(`{"v":2}`), nil })
	require.NoError(t, err)

	select {
	case doc := <-changes:
		assert.Equal(t, `{"v":2}`, string(doc.Content))
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for watch notification")
	}

	cancel()
	for range changes {
	}
}
