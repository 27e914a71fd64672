package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/krakendeploy-com/kraken-agent/internal/model"
)

func text(v string) model.VariableValue {
	return model.VariableValue{Value: v, Type: model.VarText}
}

func TestResolveExactScopeMatch(t *testing.T) {
	values := map[string]model.VariableValue{
		"Step.myapp.BasePath": text("/opt/kraken/Artifacts/agent-1/myapp/1.2.3"),
	}
	script := "echo $Kraken.Step.myapp.BasePath"
	got := Resolve(script, values)
	assert.Equal(t, "echo /opt/kraken/Artifacts/agent-1/myapp/1.2.3", got)
}

func TestResolveUnknownKeyLeftUnchanged(t *testing.T) {
	script := "echo $Kraken.Step.missing"
	got := Resolve(script, map[string]model.VariableValue{})
	assert.Equal(t, script, got)
}

func TestResolvePrecedenceStepOverProjectOverEnvironment(t *testing.T) {
	values := map[string]model.VariableValue{
		"Environment.Foo": text("env-value"),
		"Project.Foo":     text("project-value"),
		"Step.Foo":        text("step-value"),
	}
	// Token explicitly names Environment scope, but Foo isn't present there
	// under that exact key in this test's fallback case is skipped because
	// exact match exists; this test targets the precedence fallback when the
	// exact scope.key is absent.
	values2 := map[string]model.VariableValue{
		"Environment.Foo": text("env-value"),
		"Project.Foo":     text("project-value"),
		"Step.Foo":        text("step-value"),
	}
	delete(values2, "Environment.Foo")
	got := Resolve("$Kraken.Environment.Foo", values2)
	assert.Equal(t, "step-value", got, "Step should beat Project in the precedence fallback")

	got2 := Resolve("$Kraken.Environment.Foo", values)
	assert.Equal(t, "env-value", got2, "exact scope match should win")
}

func TestResolveIdempotent(t *testing.T) {
	values := map[string]model.VariableValue{
		"Step.myapp.BasePath": text("/data/myapp"),
	}
	script := "deploy $Kraken.Step.myapp.BasePath and $Kraken.Step.unknown"
	once := Resolve(script, values)
	twice := Resolve(once, values)
	assert.Equal(t, once, twice, "resolution should be idempotent")
}

func TestResolveSinglePassNoRescan(t *testing.T) {
	values := map[string]model.VariableValue{
		"Step.a": text("$Kraken.Step.b"),
		"Step.b": text("should-not-appear"),
	}
	got := Resolve("$Kraken.Step.a", values)
	assert.Equal(t, "$Kraken.Step.b", got, "substitution should be literal, not rescanned")
}
