package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortDataFromJSON(t *testing.T) {
	tests := []struct {
		portType PortType
		raw      string
		check    func(t *testing.T, d PortData)
		wantErr  bool
	}{
		{PortInt, `42`, func(t *testing.T, d PortData) { assert.Equal(t, int64(42), d.Int) }, false},
		{PortInt, `"42"`, nil, true},
		{PortFloat, `2.5`, func(t *testing.T, d PortData) { assert.Equal(t, 2.5, d.Float) }, false},
		{PortStr, `"hello"`, func(t *testing.T, d PortData) { assert.Equal(t, "hello", d.Str) }, false},
		{PortStr, `5`, nil, true},
		{PortBool, `true`, func(t *testing.T, d PortData) { assert.True(t, d.Bool) }, false},
		{PortPath, `"/tmp/x"`, func(t *testing.T, d PortData) { assert.Equal(t, "/tmp/x", d.Path) }, false},
		{PortWorkflowPath, `"wf.json"`, func(t *testing.T, d PortData) { assert.Equal(t, "wf.json", d.Path) }, false},
		{PortMetadata, `{}`, nil, true},
		{PortModel, `{}`, nil, true},
		{PortVideoFrames, `{}`, nil, true},
	}

	for _, tc := range tests {
		d, err := PortDataFromJSON(tc.portType, json.RawMessage(tc.raw))
		if tc.wantErr {
			assert.Error(t, err, "%s %s", tc.portType, tc.raw)
			continue
		}
		require.NoError(t, err, "%s %s", tc.portType, tc.raw)
		wantType := tc.portType
		if wantType == PortWorkflowPath {
			// WorkflowPath values decode to Path data.
			wantType = PortPath
		}
		assert.Equal(t, wantType, d.Type)
		if tc.check != nil {
			tc.check(t, d)
		}
	}
}

func TestParsePortType(t *testing.T) {
	for _, name := range []string{"Int", "Float", "Str", "Bool", "Path", "WorkflowPath"} {
		parsed, ok := ParsePortType(name)
		assert.True(t, ok, name)
		assert.Equal(t, PortType(name), parsed)
	}

	_, ok := ParsePortType("VideoFrames")
	assert.False(t, ok, "streaming edges cannot be declared through scalar interfaces")
	_, ok = ParsePortType("Quaternion")
	assert.False(t, ok)
}

func TestPortDataCloneIsDeepForMetadata(t *testing.T) {
	original := MetadataData(&MediaMetadata{
		SourcePath: "/media/in.mkv",
		AudioStreams: []StreamInfo{
			{Index: 1, CodecName: "aac", Metadata: map[string]string{"lang": "eng"}},
		},
		GlobalMetadata: map[string]string{"title": "movie"},
	})

	clone := original.Clone()
	clone.Metadata.AudioStreams[0].Metadata["lang"] = "jpn"
	clone.Metadata.GlobalMetadata["title"] = "other"

	assert.Equal(t, "eng", original.Metadata.AudioStreams[0].Metadata["lang"])
	assert.Equal(t, "movie", original.Metadata.GlobalMetadata["title"])
}

func TestPortDataString(t *testing.T) {
	assert.Equal(t, "7", IntData(7).String())
	assert.Equal(t, "2.5", FloatData(2.5).String())
	assert.Equal(t, "x", StrData("x").String())
	assert.Equal(t, "true", BoolData(true).String())
	assert.Equal(t, "/tmp", PathData("/tmp").String())
}

func TestExecutionContextChildContext(t *testing.T) {
	parent := NewExecutionContext()
	parent.ExecutingWorkflows["outer.json"] = struct{}{}
	parent.NestingDepth = 2

	child := parent.ChildContext("inner.json")
	assert.Equal(t, uint32(3), child.NestingDepth)
	assert.Contains(t, child.ExecutingWorkflows, "outer.json")
	assert.Contains(t, child.ExecutingWorkflows, "inner.json")
	assert.NotContains(t, parent.ExecutingWorkflows, "inner.json",
		"child context must not mutate the parent")
}

func TestExecuteErrorWrapsCause(t *testing.T) {
	cause := errors.New("boom")
	err := NewExecuteError("node-7", cause)
	assert.Contains(t, err.Error(), "node-7")
	assert.ErrorIs(t, err, cause)
}

// stubNode supports registry tests.
type stubNode struct {
	value int64
}

func (n *stubNode) NodeType() string              { return "stub" }
func (n *stubNode) InputPorts() []PortDefinition  { return nil }
func (n *stubNode) OutputPorts() []PortDefinition { return nil }
func (n *stubNode) Execute(_ map[string]PortData, _ *ExecutionContext) (map[string]PortData, error) {
	return map[string]PortData{"value": IntData(n.value)}, nil
}

func TestRegistryCreate(t *testing.T) {
	registry := NewRegistry()
	registry.Register("stub", func(params map[string]json.RawMessage) (Node, error) {
		var value int64
		if raw, ok := params["value"]; ok {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, err
			}
		}
		return &stubNode{value: value}, nil
	})

	assert.True(t, registry.Has("stub"))
	assert.False(t, registry.Has("other"))

	n, err := registry.Create("stub", map[string]json.RawMessage{"value": json.RawMessage(`9`)})
	require.NoError(t, err)
	outputs, err := n.Execute(nil, NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, int64(9), outputs["value"].Int)
}

func TestRegistryUnknownType(t *testing.T) {
	registry := NewRegistry()
	_, err := registry.Create("ghost", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestRegistryConstructorErrorIsWrapped(t *testing.T) {
	registry := NewRegistry()
	registry.Register("broken", func(_ map[string]json.RawMessage) (Node, error) {
		return nil, fmt.Errorf("bad params")
	})
	_, err := registry.Create("broken", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestRegistryTypesSorted(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		registry.Register(name, func(_ map[string]json.RawMessage) (Node, error) {
			return &stubNode{}, nil
		})
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, registry.Types())
}
