package videoio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upscalarr/upscalarr/internal/node"
)

func TestVideoInputPorts(t *testing.T) {
	n := NewInput()
	assert.Equal(t, "VideoInput", n.NodeType())

	inputs := n.InputPorts()
	require.Len(t, inputs, 1)
	assert.Equal(t, "path", inputs[0].Name)
	assert.Equal(t, node.PortPath, inputs[0].PortType)
	assert.True(t, inputs[0].Required)

	outputs := n.OutputPorts()
	require.Len(t, outputs, 3)
	assert.Equal(t, node.PortVideoFrames, outputs[0].PortType)
	assert.Equal(t, "metadata", outputs[1].Name)
	assert.Equal(t, node.PortMetadata, outputs[1].PortType)
	assert.Equal(t, "source_path", outputs[2].Name)
}

func TestVideoInputExecuteProbes(t *testing.T) {
	n := NewInput()
	n.prober = ProberFunc(func(path string) (*node.MediaMetadata, error) {
		return &node.MediaMetadata{
			SourcePath:      path,
			ContainerFormat: "matroska",
			AudioStreams:    []node.StreamInfo{{Index: 1, CodecName: "aac", CodecType: "audio"}},
		}, nil
	})

	outputs, err := n.Execute(map[string]node.PortData{
		"path": node.PathData("/media/in.mkv"),
	}, node.NewExecutionContext())
	require.NoError(t, err)

	assert.Equal(t, "/media/in.mkv", outputs["source_path"].Path)
	require.NotNil(t, outputs["metadata"].Metadata)
	assert.Equal(t, "matroska", outputs["metadata"].Metadata.ContainerFormat)
	assert.Len(t, outputs["metadata"].Metadata.AudioStreams, 1)
}

func TestVideoInputProbeFailure(t *testing.T) {
	n := NewInput()
	n.prober = ProberFunc(func(_ string) (*node.MediaMetadata, error) {
		return nil, errors.New("file unreadable")
	})

	_, err := n.Execute(map[string]node.PortData{
		"path": node.PathData("/media/in.mkv"),
	}, node.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probing")
}

func TestVideoInputMissingPath(t *testing.T) {
	n := NewInput()
	_, err := n.Execute(nil, node.NewExecutionContext())
	assert.ErrorIs(t, err, node.ErrMissingRequired)
}

func TestVideoOutputPorts(t *testing.T) {
	n := NewOutput()
	assert.Equal(t, "VideoOutput", n.NodeType())

	inputs := n.InputPorts()
	names := make([]string, len(inputs))
	for i, p := range inputs {
		names[i] = p.Name
	}
	assert.Equal(t, []string{"frames", "source_path", "metadata", "output_path", "codec", "crf", "pixel_format", "width", "height", "fps"}, names)

	outputs := n.OutputPorts()
	require.Len(t, outputs, 1)
	assert.Equal(t, "output_path", outputs[0].Name)
}

func TestVideoOutputExecutePassesSettingsThrough(t *testing.T) {
	n := NewOutput()
	outputs, err := n.Execute(map[string]node.PortData{
		"output_path": node.PathData("/out/result.mkv"),
		"codec":       node.StrData("libx265"),
		"crf":         node.IntData(20),
	}, node.NewExecutionContext())
	require.NoError(t, err)

	assert.Equal(t, "/out/result.mkv", outputs["output_path"].Path)
	assert.Equal(t, "libx265", outputs["codec"].Str)
	assert.Equal(t, int64(20), outputs["crf"].Int)
}

func TestVideoOutputMissingOutputPath(t *testing.T) {
	n := NewOutput()
	_, err := n.Execute(nil, node.NewExecutionContext())
	assert.ErrorIs(t, err, node.ErrMissingRequired)
}
