// Package auditstream 实现双写、只追加的审计流。
//
// 每条记录先在 SQLite 事务中插入（分配连续的全局 seq），再追加到
// manifests/<subject>.jsonl 并 fsync，最后才提交事务。所有写入都经过同一个 goroutine。
package auditstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	sqliteadapter "evidence-vault/internal/adapters/store/sqlite"
	"evidence-vault/internal/domain/model"
	"evidence-vault/internal/platform/fsutil"
	"evidence-vault/internal/services/authz"
)

var errStreamClosed = errors.New("audit stream closed")

// Options 定义审计流参数。
type Options struct {
	// ManifestDir 是 JSONL manifest 所在目录。
	ManifestDir string
	// QueueSize 是写入队列容量，默认 256。
	QueueSize int
	// PageSize 是重放时每页读取的条数，默认 500。
	PageSize int
	Logger   *slog.Logger
	// Now 可注入时钟，默认 time.Now。
	Now func() time.Time
}

// TxFunc 是与审计记录同事务提交的业务写入。tx 绑定在审计事务上；
// 在 TxFunc 内不能使用其它 Store，也不能再调用 Append。
type TxFunc func(ctx context.Context, tx *sqliteadapter.Store) error

type appendReq struct {
	ctx   context.Context
	rec   model.AuditRecord
	fn    TxFunc
	reply chan appendResult
}

type appendResult struct {
	rec model.AuditRecord
	err error
}

// Stream 是审计流。Append 可并发调用，实际写入由单个 goroutine 串行完成。
type Stream struct {
	store       *sqliteadapter.Store
	manifestDir string
	pageSize    int
	log         *slog.Logger
	now         func() time.Time

	reqs chan appendReq
	quit chan struct{}
	done chan struct{}
	stop sync.Once

	// poisoned 只在写入 goroutine 内读写。
	poisoned error

	obsMu     sync.RWMutex
	observers []func(model.AuditRecord)
}

// Open 创建审计流并启动写入 goroutine。调用方负责 Close。
func Open(store *sqliteadapter.Store, opts Options) (*Stream, error) {
	if opts.ManifestDir == "" {
		return nil, errors.New("manifest dir is required")
	}
	if err := os.MkdirAll(opts.ManifestDir, 0o755); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.PageSize <= 0 {
		opts.PageSize = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Stream{
		store:       store,
		manifestDir: opts.ManifestDir,
		pageSize:    opts.PageSize,
		log:         opts.Logger.With("component", "auditstream"),
		now:         opts.Now,
		reqs:        make(chan appendReq, opts.QueueSize),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Close 停止写入 goroutine；已在处理中的写入会先完成。
func (s *Stream) Close() error {
	s.stop.Do(func() { close(s.quit) })
	<-s.done
	return nil
}

// Subscribe 注册提交后的观察者。观察者在写入 goroutine 中同步调用，
// 不能阻塞，也不能回调 Append。
func (s *Stream) Subscribe(fn func(model.AuditRecord)) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, fn)
}

// Append 追加一条审计记录，返回分配的全局序号。
// Seq/PrevHash/RecordHash 由审计流填写；OccurredAt 为零值时取当前时间。
func (s *Stream) Append(ctx context.Context, rec model.AuditRecord) (int64, error) {
	out, err := s.AppendRecord(ctx, rec)
	if err != nil {
		return 0, err
	}
	return out.Seq, nil
}

// AppendAs 由调用方直接写入审计记录，要求 append_audit 能力，actor 取主体 ID。
func (s *Stream) AppendAs(ctx context.Context, p authz.Principal, rec model.AuditRecord) (int64, error) {
	if err := authz.Require(p, authz.CapAppendAudit); err != nil {
		return 0, err
	}
	rec.Actor = p.ID
	return s.Append(ctx, rec)
}

// AppendRecord 与 Append 相同，但返回完整的已提交记录。
func (s *Stream) AppendRecord(ctx context.Context, rec model.AuditRecord) (model.AuditRecord, error) {
	return s.AppendWith(ctx, rec, nil)
}

// AppendWith 在同一个 SQLite 事务里先执行 fn，再插入审计记录并写 manifest。
// fn 或审计写入任一失败，事务整体回滚：业务行与审计记录要么都在，要么都不在。
//
// 请求一旦进入队列就等待写入者给出结果；ctx 只在写入开始前生效。
func (s *Stream) AppendWith(ctx context.Context, rec model.AuditRecord, fn TxFunc) (model.AuditRecord, error) {
	rec, err := s.normalize(rec)
	if err != nil {
		return model.AuditRecord{}, err
	}

	req := appendReq{ctx: ctx, rec: rec, fn: fn, reply: make(chan appendResult, 1)}
	select {
	case s.reqs <- req:
	case <-s.quit:
		return model.AuditRecord{}, errStreamClosed
	case <-ctx.Done():
		return model.AuditRecord{}, ctx.Err()
	}

	select {
	case res := <-req.reply:
		return res.rec, res.err
	case <-s.done:
		// 写入者已退出：排空时已回复的请求仍以回复为准。
		select {
		case res := <-req.reply:
			return res.rec, res.err
		default:
			return model.AuditRecord{}, errStreamClosed
		}
	}
}

func (s *Stream) normalize(rec model.AuditRecord) (model.AuditRecord, error) {
	if !rec.Action.Valid() {
		return rec, fmt.Errorf("unknown audit action %q: %w", rec.Action, model.ErrInvalidArgument)
	}
	if rec.Actor == "" {
		return rec, fmt.Errorf("audit actor is required: %w", model.ErrInvalidArgument)
	}
	if rec.SubjectID == "" {
		rec.SubjectID = model.SystemSubject
	}
	if !ValidSubject(rec.SubjectID) {
		return rec, fmt.Errorf("invalid audit subject %q: %w", rec.SubjectID, model.ErrInvalidArgument)
	}
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = s.now()
	}
	// 与数据库读回的值保持一致：UTC、无单调时钟读数。
	rec.OccurredAt = time.Unix(0, rec.OccurredAt.UnixNano()).UTC()

	if len(rec.Detail) > 0 {
		// 规范化为 json.Marshal 的输出形式，manifest 解码后字节不变。
		norm, err := json.Marshal(rec.Detail)
		if err != nil {
			return rec, fmt.Errorf("audit detail is not valid JSON: %w", model.ErrInvalidArgument)
		}
		rec.Detail = norm
	} else {
		rec.Detail = nil
	}
	rec.Seq, rec.PrevHash, rec.RecordHash = 0, "", ""
	return rec, nil
}

func (s *Stream) run() {
	defer close(s.done)
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case req := <-s.reqs:
			if err := req.ctx.Err(); err != nil {
				req.reply <- appendResult{err: err}
				continue
			}
			// 一旦开始写入就必须走完，不受调用方取消影响。
			rec, err := s.write(context.WithoutCancel(req.ctx), req.rec, req.fn)
			req.reply <- appendResult{rec: rec, err: err}
			if err == nil {
				s.notify(rec)
			}
		}
	}
}

// drain 拒绝关闭时仍在队列中的请求，不写入。
func (s *Stream) drain() {
	for {
		select {
		case req := <-s.reqs:
			req.reply <- appendResult{err: errStreamClosed}
		default:
			return
		}
	}
}

func (s *Stream) write(ctx context.Context, rec model.AuditRecord, fn TxFunc) (out model.AuditRecord, err error) {
	if s.poisoned != nil {
		return model.AuditRecord{}, s.poisoned
	}

	tx, err := s.store.BeginAudit(ctx)
	if err != nil {
		return model.AuditRecord{}, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if fn != nil {
		if err := fn(ctx, tx.Store()); err != nil {
			return model.AuditRecord{}, err
		}
	}

	maxSeq, err := tx.MaxSeq(ctx)
	if err != nil {
		return model.AuditRecord{}, err
	}
	prev, err := tx.SubjectHead(ctx, rec.SubjectID)
	if err != nil {
		return model.AuditRecord{}, err
	}
	rec.Seq = maxSeq + 1
	rec.PrevHash = prev
	if rec.RecordHash, err = ComputeHash(prev, rec); err != nil {
		return model.AuditRecord{}, err
	}
	if err := tx.Insert(ctx, rec); err != nil {
		return model.AuditRecord{}, err
	}

	line, err := EncodeLine(rec)
	if err != nil {
		return model.AuditRecord{}, err
	}
	if err := s.appendManifest(rec.SubjectID, line); err != nil {
		return model.AuditRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		committed = true
		// manifest 已经落盘而数据库没有：两端分叉，停止接受写入，等待重启对账。
		s.poisoned = &model.ConsistencyDriftError{
			SubjectID:    rec.SubjectID,
			ManifestSeq:  rec.Seq,
			ManifestHash: rec.RecordHash,
			Reason:       "commit failed after manifest append: " + err.Error(),
		}
		s.log.Error("audit stream poisoned", "subject", rec.SubjectID, "seq", rec.Seq, "err", err)
		return model.AuditRecord{}, s.poisoned
	}
	committed = true
	return rec, nil
}

// appendManifest 追加一行并 fsync；失败时截断回原长度，不留下半行。
func (s *Stream) appendManifest(subjectID string, line []byte) error {
	path := s.manifestPath(subjectID)
	exists, err := fsutil.Exists(path)
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open manifest: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat manifest: %w", err)
	}
	size := info.Size()

	if _, err := f.Write(line); err != nil {
		s.rewind(f, subjectID, size, "write")
		return fmt.Errorf("append manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		s.rewind(f, subjectID, size, "sync")
		return fmt.Errorf("sync manifest: %w", err)
	}
	if !exists {
		if err := fsutil.SyncDir(s.manifestDir); err != nil {
			return fmt.Errorf("sync manifest dir: %w", err)
		}
	}
	return nil
}

// rewind 把 manifest 截断回写入前的长度；截断也失败时两端已无法保证一致，审计流进入 poisoned。
func (s *Stream) rewind(f *os.File, subjectID string, size int64, phase string) {
	if err := f.Truncate(size); err != nil {
		s.poisoned = &model.ConsistencyDriftError{
			SubjectID: subjectID,
			Reason:    "manifest truncate after failed " + phase + ": " + err.Error(),
		}
		s.log.Error("audit stream poisoned", "subject", subjectID, "path", f.Name(), "err", err)
	}
}

func (s *Stream) notify(rec model.AuditRecord) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(rec)
	}
}

func (s *Stream) manifestPath(subjectID string) string {
	return filepath.Join(s.manifestDir, subjectID+".jsonl")
}
