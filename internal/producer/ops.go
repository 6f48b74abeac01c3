package producer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"kvadmin/internal/artifact"
	"kvadmin/internal/models"
)

// task is one unit of work. Scan-based operations only carry a key;
// import and restore also carry the value to write.
type task struct {
	key      string
	value    string
	ttl      time.Duration
	hasValue bool
}

// kvEntry is one line of an export, backup or restore artifact (JSONL).
type kvEntry struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
}

// executor applies one operation type key by key and produces the job
// result when the work list is exhausted.
type executor interface {
	apply(ctx context.Context, t task) error
	finish(ctx context.Context) (map[string]any, error)
}

func (r *Runner) newExecutor(job models.Job) (executor, error) {
	switch job.Operation {
	case models.OpDelete:
		return &deleteOp{rdb: r.rdb}, nil

	case models.OpCopy:
		dest, ok := stringParam(job.Params, "destination_namespace")
		if !ok {
			return nil, errors.New("copy requires params.destination_namespace")
		}
		return &copyOp{rdb: r.rdb, srcPrefix: keyPrefix(job.Namespace), destPrefix: keyPrefix(dest), dest: dest}, nil

	case models.OpTTLUpdate:
		secs, ok := intParam(job.Params, "ttl_seconds")
		if !ok || secs <= 0 {
			return nil, errors.New("ttl_update requires a positive params.ttl_seconds")
		}
		return &ttlOp{rdb: r.rdb, ttl: time.Duration(secs) * time.Second}, nil

	case models.OpTag:
		tag, ok := stringParam(job.Params, "tag")
		if !ok {
			return nil, errors.New("tag requires params.tag")
		}
		// The tag set lives outside the namespace prefix so it never
		// matches its own scan.
		return &tagOp{rdb: r.rdb, setKey: "tags:" + job.Namespace + ":" + tag, tag: tag}, nil

	case models.OpExport:
		return newSnapshotOp(r.rdb, r.artifacts, "exports/"+job.ID+".jsonl", false), nil

	case models.OpBackup:
		return newSnapshotOp(r.rdb, r.artifacts, "backups/"+job.ID+".jsonl", true), nil

	case models.OpImport:
		return &writeOp{rdb: r.rdb, resultKey: "imported"}, nil

	case models.OpRestore:
		src, _ := stringParam(job.Params, "artifact")
		return &writeOp{rdb: r.rdb, resultKey: "restored", artifact: src}, nil
	}
	return nil, fmt.Errorf("no executor for operation %q", job.Operation)
}

type deleteOp struct {
	rdb     redis.UniversalClient
	deleted int
}

func (o *deleteOp) apply(ctx context.Context, t task) error {
	if err := o.rdb.Del(ctx, t.key).Err(); err != nil {
		return err
	}
	o.deleted++
	return nil
}

func (o *deleteOp) finish(context.Context) (map[string]any, error) {
	return map[string]any{"deleted": o.deleted}, nil
}

type copyOp struct {
	rdb        redis.UniversalClient
	srcPrefix  string
	destPrefix string
	dest       string
	copied     int
}

func (o *copyOp) apply(ctx context.Context, t task) error {
	val, err := o.rdb.Get(ctx, t.key).Result()
	if err != nil {
		return err
	}

	// Preserve the remaining TTL; keys without one stay persistent.
	ttl, err := o.rdb.PTTL(ctx, t.key).Result()
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}

	destKey := o.destPrefix + strings.TrimPrefix(t.key, o.srcPrefix)
	if err := o.rdb.Set(ctx, destKey, val, ttl).Err(); err != nil {
		return err
	}
	o.copied++
	return nil
}

func (o *copyOp) finish(context.Context) (map[string]any, error) {
	return map[string]any{"copied": o.copied, "destination_namespace": o.dest}, nil
}

type ttlOp struct {
	rdb     redis.UniversalClient
	ttl     time.Duration
	updated int
}

func (o *ttlOp) apply(ctx context.Context, t task) error {
	if err := o.rdb.Expire(ctx, t.key, o.ttl).Err(); err != nil {
		return err
	}
	o.updated++
	return nil
}

func (o *ttlOp) finish(context.Context) (map[string]any, error) {
	return map[string]any{"updated": o.updated, "ttl_seconds": int(o.ttl.Seconds())}, nil
}

type tagOp struct {
	rdb    redis.UniversalClient
	setKey string
	tag    string
	tagged int
}

func (o *tagOp) apply(ctx context.Context, t task) error {
	if err := o.rdb.SAdd(ctx, o.setKey, t.key).Err(); err != nil {
		return err
	}
	o.tagged++
	return nil
}

func (o *tagOp) finish(context.Context) (map[string]any, error) {
	return map[string]any{"tagged": o.tagged, "tag": o.tag}, nil
}

// snapshotOp streams key-value pairs into a JSONL artifact. Backups also
// record remaining TTLs so a restore can reinstate them.
type snapshotOp struct {
	rdb         redis.UniversalClient
	store       artifact.Store
	artifactKey string
	withTTL     bool
	buf         bytes.Buffer
	enc         *json.Encoder
	written     int
}

func newSnapshotOp(rdb redis.UniversalClient, store artifact.Store, artifactKey string, withTTL bool) *snapshotOp {
	o := &snapshotOp{rdb: rdb, store: store, artifactKey: artifactKey, withTTL: withTTL}
	o.enc = json.NewEncoder(&o.buf)
	return o
}

func (o *snapshotOp) apply(ctx context.Context, t task) error {
	val, err := o.rdb.Get(ctx, t.key).Result()
	if err != nil {
		return err
	}

	entry := kvEntry{Key: t.key, Value: val}
	if o.withTTL {
		ttl, err := o.rdb.PTTL(ctx, t.key).Result()
		if err != nil {
			return err
		}
		if ttl > 0 {
			entry.TTLMillis = ttl.Milliseconds()
		}
	}

	if err := o.enc.Encode(entry); err != nil {
		return err
	}
	o.written++
	return nil
}

func (o *snapshotOp) finish(ctx context.Context) (map[string]any, error) {
	if err := o.store.Put(ctx, o.artifactKey, &o.buf); err != nil {
		return nil, fmt.Errorf("upload artifact: %w", err)
	}
	return map[string]any{"artifact": o.artifactKey, "exported": o.written}, nil
}

// writeOp sets keys carried by the task list (import and restore).
type writeOp struct {
	rdb       redis.UniversalClient
	resultKey string
	artifact  string
	written   int
}

func (o *writeOp) apply(ctx context.Context, t task) error {
	if !t.hasValue {
		return fmt.Errorf("no value for key %s", t.key)
	}
	if err := o.rdb.Set(ctx, t.key, t.value, t.ttl).Err(); err != nil {
		return err
	}
	o.written++
	return nil
}

func (o *writeOp) finish(context.Context) (map[string]any, error) {
	result := map[string]any{o.resultKey: o.written}
	if o.artifact != "" {
		result["artifact"] = o.artifact
	}
	return result, nil
}

// importTasks parses params.entries into the work list. Entry keys are
// relative to the job's namespace.
func importTasks(job models.Job) ([]task, error) {
	raw, ok := job.Params["entries"].([]any)
	if !ok {
		return nil, errors.New("import requires params.entries")
	}

	prefix := keyPrefix(job.Namespace)
	tasks := make([]task, 0, len(raw))
	for i, item := range raw {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry %d is not an object", i)
		}
		key, ok := stringParam(entry, "key")
		if !ok {
			return nil, fmt.Errorf("entry %d has no key", i)
		}
		value, ok := stringParam(entry, "value")
		if !ok {
			return nil, fmt.Errorf("entry %d has no value", i)
		}

		t := task{key: prefix + key, value: value, hasValue: true}
		if ms, ok := intParam(entry, "ttl_ms"); ok && ms > 0 {
			t.ttl = time.Duration(ms) * time.Millisecond
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// restoreTasks loads the work list from a backup artifact. Backups store
// absolute keys, so they restore into their original namespace.
func (r *Runner) restoreTasks(ctx context.Context, job models.Job) ([]task, error) {
	src, ok := stringParam(job.Params, "artifact")
	if !ok {
		return nil, errors.New("restore requires params.artifact")
	}

	body, err := r.artifacts.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var tasks []task
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry kvEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("parse artifact %s: %w", src, err)
		}
		tasks = append(tasks, task{
			key:      entry.Key,
			value:    entry.Value,
			ttl:      time.Duration(entry.TTLMillis) * time.Millisecond,
			hasValue: true,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", src, err)
	}
	return tasks, nil
}

func stringParam(params map[string]any, name string) (string, bool) {
	s, ok := params[name].(string)
	return s, ok && s != ""
}

// intParam tolerates the numeric types that survive a JSON round trip.
func intParam(params map[string]any, name string) (int64, bool) {
	switch n := params[name].(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	}
	return 0, false
}
