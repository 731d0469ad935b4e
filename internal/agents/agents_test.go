package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRenderEnvFile(t *testing.T) {
	out, err := RenderEnvFile(map[string]string{
		"OPENROUTER_API_KEY": "sk-or-abc123",
		"GOOSE_MODEL":        "anthropic/claude-sonnet-4.5",
	})
	require.NoError(t, err)
	// Sorted, quoted, one per line.
	assert.Equal(t,
		"GOOSE_MODEL=\"anthropic/claude-sonnet-4.5\"\nOPENROUTER_API_KEY=\"sk-or-abc123\"\n",
		out)
}

func TestRenderEnvFileRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"command substitution", map[string]string{"KEY_ONE": "$(id)"}},
		{"semicolon", map[string]string{"KEY_ONE": "a;b"}},
		{"quotes", map[string]string{"KEY_ONE": `a"b`}},
		{"newline", map[string]string{"KEY_ONE": "a\nb"}},
		{"lowercase name", map[string]string{"key": "v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := RenderEnvFile(tt.env)
			assert.Error(t, err)
		})
	}
}

func TestRenderEnvFileSkipsEmptyValues(t *testing.T) {
	out, err := RenderEnvFile(map[string]string{
		"KEY_ONE": "set",
		"KEY_TWO": "",
	})
	require.NoError(t, err)
	assert.Equal(t, "KEY_ONE=\"set\"\n", out)
}

func TestInjectCommands(t *testing.T) {
	cmds := InjectCommands("/tmp/spawnrc.b64")
	require.Len(t, cmds, 3)
	assert.Contains(t, cmds[0], "chmod 600 ~/.spawnrc")
	assert.Contains(t, cmds[1], ".bashrc")
	assert.Contains(t, cmds[2], ".zshrc")
	// Idempotent wiring: re-running must not duplicate the source line.
	assert.Contains(t, cmds[1], "grep -qF")
}

func TestRegistry(t *testing.T) {
	keys := Keys()
	assert.Contains(t, keys, "claude")
	assert.Contains(t, keys, "codex")
	assert.Contains(t, keys, "aider")
	assert.Contains(t, keys, "goose")
	assert.Contains(t, keys, "opencode")
	assert.Contains(t, keys, "droid")

	_, err := Get("claude")
	assert.NoError(t, err)
	_, err = Get("nope")
	assert.Error(t, err)
}

func TestResolveLaunch(t *testing.T) {
	a, err := Get("aider")
	require.NoError(t, err)
	cmd := a.ResolveLaunch("openai/gpt-5.1")
	assert.Equal(t, "~/.local/bin/aider --model openrouter/openai/gpt-5.1", cmd)

	c, err := Get("claude")
	require.NoError(t, err)
	assert.Equal(t, "claude", c.ResolveLaunch("anything"))
}

func TestBuildEnvUsesOpenRouterKey(t *testing.T) {
	for _, key := range Keys() {
		a, err := Get(key)
		require.NoError(t, err)
		env := a.BuildEnv(EnvInput{OpenRouterKey: "sk-or-test", Model: "m/x"})
		require.NotEmpty(t, env, "agent %s has an empty env map", key)
		assert.Contains(t, env, "OPENROUTER_API_KEY", "agent %s", key)

		// Every produced value must survive the injection charset.
		_, err = RenderEnvFile(env)
		assert.NoError(t, err, "agent %s env fails injection validation", key)
	}
}

func TestPickModelNonInteractiveDefaults(t *testing.T) {
	lc := LocalContext{Interactive: false, Logger: zap.NewNop()}
	model, err := pickModel(context.Background(), lc, "Model", []string{"first/model", "second/model"})
	require.NoError(t, err)
	assert.Equal(t, "first/model", model)
}
