package usecase

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// FallbackMarker prefixes every answer produced without the language model.
const FallbackMarker = "(LLM unavailable)"

const (
	FallbackRateLimited = "rate_limited"
	FallbackTemporary   = "temporary"
	FallbackConfig      = "config"
	FallbackError       = "error"

	contextOnlyNote = "Showing retrieved context only."
)

var retryHint = regexp.MustCompile(`try again in ([0-9]+m)?([0-9]+(?:\.[0-9]+)?s)`)

// Fallback is the context-only answer chosen for a provider failure.
type Fallback struct {
	Reason string
	Text   string
}

// FallbackStage turns one class of provider failure into a context-only answer.
type FallbackStage struct {
	Reason string
	Match  func(err error) bool
	Notice func(err error) string
}

// FallbackPolicy evaluates stages in order; the first match wins.
type FallbackPolicy struct {
	stages []FallbackStage
}

func NewFallbackPolicy(stages ...FallbackStage) *FallbackPolicy {
	return &FallbackPolicy{stages: stages}
}

// DefaultFallbackPolicy orders stages rate limit, transient, configuration, any.
func DefaultFallbackPolicy() *FallbackPolicy {
	return NewFallbackPolicy(
		RateLimitedStage(),
		TemporaryStage(),
		ConfigStage(),
		CatchAllStage(),
	)
}

func RateLimitedStage() FallbackStage {
	return FallbackStage{
		Reason: FallbackRateLimited,
		Match: func(err error) bool {
			if domain.IsKind(err, domain.ErrRateLimited) {
				return true
			}
			low := strings.ToLower(err.Error())
			return strings.Contains(low, "rate limit") || strings.Contains(low, "rate_limit")
		},
		Notice: func(err error) string {
			notice := "We are temporarily rate-limited by the LLM provider."
			if hint := RetryHint(err); hint != "" {
				notice += " Please retry in " + hint + "."
			}
			return notice
		},
	}
}

func TemporaryStage() FallbackStage {
	return FallbackStage{
		Reason: FallbackTemporary,
		Match: func(err error) bool {
			return domain.IsKind(err, domain.ErrTemporary) || errors.Is(err, context.DeadlineExceeded)
		},
		Notice: func(error) string {
			return "The language model is temporarily unreachable."
		},
	}
}

func ConfigStage() FallbackStage {
	return FallbackStage{
		Reason: FallbackConfig,
		Match: func(err error) bool {
			return domain.IsKind(err, domain.ErrInvalidConfig) || domain.IsKind(err, domain.ErrUnauthorized)
		},
		Notice: func(error) string {
			return "The language model is not configured or rejected the credentials."
		},
	}
}

func CatchAllStage() FallbackStage {
	return FallbackStage{
		Reason: FallbackError,
		Match:  func(error) bool { return true },
		Notice: func(error) string { return "" },
	}
}

// Resolve picks the fallback for err. Every text starts with FallbackMarker
// and ends with contextText verbatim.
func (p *FallbackPolicy) Resolve(err error, contextText string) Fallback {
	stage := CatchAllStage()
	for _, s := range p.stages {
		if s.Match(err) {
			stage = s
			break
		}
	}

	var b strings.Builder
	b.WriteString(FallbackMarker)
	if notice := stage.Notice(err); notice != "" {
		b.WriteString(" ")
		b.WriteString(notice)
	}
	b.WriteString(" ")
	b.WriteString(contextOnlyNote)
	if contextText != "" {
		b.WriteString("\n\n")
		b.WriteString(contextText)
	}
	return Fallback{Reason: stage.Reason, Text: b.String()}
}

// RetryHint extracts a "1m20s"-style wait from a provider message.
func RetryHint(err error) string {
	if err == nil {
		return ""
	}
	m := retryHint.FindString(err.Error())
	return strings.TrimPrefix(m, "try again in ")
}
