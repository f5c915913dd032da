package phase

import (
	"context"
	"errors"
	"regexp"

	"github.com/k11v/mortar/internal/procwatch"
)

// UserError is an error whose message is meant for the person who
// started the build.
type UserError struct {
	Message string
	Err     error
}

func (e *UserError) Error() string {
	return e.Message
}

func (e *UserError) Unwrap() error {
	return e.Err
}

// Resolution is the outcome of classifying a phase error. Err is what the
// phase returns. Classified reports whether Err was recognized and carries
// a message meant for users.
type Resolution struct {
	Err        error
	Classified bool
}

// Resolver classifies a phase error using the log lines of the phase.
type Resolver interface {
	Resolve(ctx context.Context, err error, logs []string) Resolution
}

type Rule struct {
	Pattern *regexp.Regexp
	Message string
}

// RuleResolver recognizes user errors, supervision timeouts and errors
// whose logs match one of Rules. Rules are tried in order.
type RuleResolver struct {
	Rules []Rule
}

var DefaultRules = []Rule{
	{
		Pattern: regexp.MustCompile(`Could not resolve all (files|dependencies|artifacts) for configuration`),
		Message: "Gradle couldn't resolve project dependencies. Check that every repository in the Gradle configuration is reachable.",
	},
	{
		Pattern: regexp.MustCompile(`CocoaPods could not find compatible versions for pod|out-of-date source repos`),
		Message: "CocoaPods spec repositories are out of date. Run \"pod repo update\" or update Podfile.lock.",
	},
	{
		Pattern: regexp.MustCompile(`(npm ERR! code E(404|AI_AGAIN|CONNRESET)|error An unexpected error occurred: "https?://registry)`),
		Message: "Installing JavaScript dependencies failed because the package registry couldn't be reached or returned an error.",
	},
	{
		Pattern: regexp.MustCompile(`(?i)(java\.lang\.OutOfMemoryError|JavaScript heap out of memory|Gradle build daemon disappeared unexpectedly)`),
		Message: "The build ran out of memory. Lower the memory used by the build tools or use a larger worker.",
	},
}

func (r *RuleResolver) Resolve(_ context.Context, err error, logs []string) Resolution {
	if userErr := (*UserError)(nil); errors.As(err, &userErr) {
		return Resolution{Err: err, Classified: true}
	}

	if timeoutErr := (*procwatch.TimeoutError)(nil); errors.As(err, &timeoutErr) {
		return Resolution{
			Err:        &UserError{Message: timeoutErr.Error(), Err: err},
			Classified: true,
		}
	}

	for _, rule := range r.Rules {
		if rule.Pattern.MatchString(err.Error()) {
			return Resolution{Err: &UserError{Message: rule.Message, Err: err}, Classified: true}
		}
		for _, line := range logs {
			if rule.Pattern.MatchString(line) {
				return Resolution{Err: &UserError{Message: rule.Message, Err: err}, Classified: true}
			}
		}
	}

	return Resolution{Err: err, Classified: false}
}
