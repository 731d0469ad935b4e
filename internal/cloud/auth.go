package cloud

import (
	"context"
	"fmt"
	"os"

	"github.com/spawnhq/spawn/internal/credstore"
	"github.com/spawnhq/spawn/pkg/errdefs"
	"go.uber.org/zap"
)

// tokenSource is one step of the authentication chain. It returns an empty
// token when it has nothing to offer.
type tokenSource func(ctx context.Context) (token string, from string, err error)

// resolveToken walks the chain env -> saved bundle -> extra sources
// (provider CLI session, OAuth login) -> interactive prompt. A token is
// accepted only after probe succeeds; rejected tokens are discarded and
// the next source is tried.
func resolveToken(
	ctx context.Context,
	deps Deps,
	cloudKey, envVar string,
	probe func(ctx context.Context, token string) error,
	extra ...tokenSource,
) (string, error) {
	sources := []tokenSource{
		func(ctx context.Context) (string, string, error) {
			return os.Getenv(envVar), "environment", nil
		},
		func(ctx context.Context) (string, string, error) {
			return deps.Credentials.Load(cloudKey)[envVar], "saved credentials", nil
		},
	}
	sources = append(sources, extra...)
	sources = append(sources, func(ctx context.Context) (string, string, error) {
		if !deps.Interactive || deps.Prompter == nil {
			return "", "prompt", nil
		}
		token, err := deps.Prompter.PromptSecret(ctx, fmt.Sprintf("%s (%s)", envVar, cloudKey))
		return token, "prompt", err
	})

	for _, src := range sources {
		token, from, err := src(ctx)
		if err != nil {
			return "", err
		}
		if token == "" {
			continue
		}
		if !credstore.ValidToken(token) {
			deps.Logger.Warn("discarding token with disallowed characters",
				zap.String("cloud", cloudKey),
				zap.String("source", from),
			)
			continue
		}
		if err := probe(ctx, token); err != nil {
			deps.Logger.Warn("token rejected by provider, trying next source",
				zap.String("cloud", cloudKey),
				zap.String("source", from),
				zap.Error(err),
			)
			continue
		}

		deps.Logger.Debug("authenticated",
			zap.String("cloud", cloudKey),
			zap.String("source", from),
		)

		// A freshly prompted token that validated is worth keeping.
		if from == "prompt" {
			if err := deps.Credentials.Save(cloudKey, map[string]string{envVar: token}); err != nil {
				deps.Logger.Warn("failed to save credentials", zap.Error(err))
			}
		}
		return token, nil
	}

	return "", errdefs.Newf(errdefs.KindAuth,
		"no valid credentials for %s", cloudKey).WithHints(
		fmt.Sprintf("export %s=<token> and retry", envVar),
		fmt.Sprintf("or save it once with: spawn %s (you will be prompted)", cloudKey),
	)
}
