package spf

import (
	"context"
	"net"

	"blitiri.com.ar/go/spf"
)

// Result mirrors the seven spf.Result values spec.md §4.6 maps through
// the action table, narrowing the teacher's check/spf.go usage of
// blitiri.com.ar/go/spf down to the shape spec.md §1 names:
// Evaluate(ctx, clientIP, helo, mailFrom) (Result, explanation, err).
type Result string

const (
	Pass      Result = "pass"
	Fail      Result = "fail"
	SoftFail  Result = "softfail"
	Neutral   Result = "neutral"
	None      Result = "none"
	TempError Result = "temperror"
	PermError Result = "permerror"
)

// Evaluator is the narrow interface the policy depends on, so tests can
// substitute a fake without touching DNS.
type Evaluator interface {
	Evaluate(ctx context.Context, clientIP net.IP, helo, mailFrom string) (Result, string, error)
}

// LibSPF wraps blitiri.com.ar/go/spf.CheckHostWithSender, the same
// library the teacher uses in check/spf/spf.go, behind Evaluator.
type LibSPF struct{}

func (LibSPF) Evaluate(ctx context.Context, clientIP net.IP, helo, mailFrom string) (Result, string, error) {
	res, err := spf.CheckHostWithSender(clientIP, helo, mailFrom, spf.WithContext(ctx))
	return fromLibResult(res), explanationFor(res, err), err
}

func fromLibResult(res spf.Result) Result {
	switch res {
	case spf.Pass:
		return Pass
	case spf.Fail:
		return Fail
	case spf.SoftFail:
		return SoftFail
	case spf.Neutral:
		return Neutral
	case spf.TempError:
		return TempError
	case spf.PermError:
		return PermError
	default:
		return None
	}
}

func explanationFor(res spf.Result, err error) string {
	if err != nil {
		return err.Error()
	}
	return string(fromLibResult(res))
}
