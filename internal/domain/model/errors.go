package model

import (
	"errors"
	"fmt"
)

// 错误分类。服务层返回的错误都可以用 errors.Is 对照下面的哨兵值判断。
var (
	ErrNotFound           = errors.New("not found")
	ErrImmutableViolation = errors.New("immutable violation")
	ErrIntegrityMismatch  = errors.New("integrity mismatch")
	ErrConsistencyDrift   = errors.New("audit sinks out of sync")
	ErrDeliveryFailure    = errors.New("webhook delivery failed")
	ErrResolutionFailure  = errors.New("invalid or expired link")
	ErrGenerationPolicy   = errors.New("statement generation policy violation")
	ErrTruncated          = errors.New("declared size does not match bytes read")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidArgument    = errors.New("invalid argument")
)

// IntegrityMismatchError 描述一次复核失败：存储内容的摘要与入库时记录的不一致。
type IntegrityMismatchError struct {
	EvidenceID string
	Expected   string
	Actual     string
}

func (e *IntegrityMismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.EvidenceID, e.Expected, e.Actual)
}

func (e *IntegrityMismatchError) Is(target error) bool { return target == ErrIntegrityMismatch }

// ConsistencyDriftError 描述审计双写两端在某个 subject 上的分歧。
type ConsistencyDriftError struct {
	SubjectID    string
	DBSeq        int64
	ManifestSeq  int64
	DBHash       string
	ManifestHash string
	Reason       string
}

func (e *ConsistencyDriftError) Error() string {
	return fmt.Sprintf("audit drift on subject %q: db seq=%d hash=%s, manifest seq=%d hash=%s (%s)",
		e.SubjectID, e.DBSeq, short(e.DBHash), e.ManifestSeq, short(e.ManifestHash), e.Reason)
}

func (e *ConsistencyDriftError) Is(target error) bool { return target == ErrConsistencyDrift }

// PolicyViolationError 表示声明正文命中禁用的结论性措辞。
type PolicyViolationError struct {
	Terms []string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("statement contains forbidden conclusory terms: %v", e.Terms)
}

func (e *PolicyViolationError) Is(target error) bool { return target == ErrGenerationPolicy }

// DeliveryError 包装单次 webhook 投递失败的原因。
type DeliveryError struct {
	SubscriptionID string
	Status         int
	Err            error
}

func (e *DeliveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("deliver to %s: %v", e.SubscriptionID, e.Err)
	}
	return fmt.Sprintf("deliver to %s: unexpected status %d", e.SubscriptionID, e.Status)
}

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailure }

func (e *DeliveryError) Unwrap() error { return e.Err }

func short(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
