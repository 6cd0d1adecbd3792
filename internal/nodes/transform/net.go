package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/upscalarr/upscalarr/internal/httpclient"
	"github.com/upscalarr/upscalarr/internal/node"
)

// maxResponseBytes caps HttpRequest response bodies held in port data.
const maxResponseBytes = 8 << 20

// DownloaderNode fetches a URL to a local file.
type DownloaderNode struct {
	client *httpclient.Client
}

// DownloaderFromParams constructs the node for the registry.
func DownloaderFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &DownloaderNode{client: httpclient.NewWithDefaults()}, nil
}

// NodeType implements node.Node.
func (n *DownloaderNode) NodeType() string { return "Downloader" }

// InputPorts implements node.Node.
func (n *DownloaderNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "url", PortType: node.PortStr, Required: true},
		{Name: "output_path", PortType: node.PortPath, Required: true},
	}
}

// OutputPorts implements node.Node.
func (n *DownloaderNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "path", PortType: node.PortPath, Required: true}}
}

// Execute implements node.Node.
func (n *DownloaderNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	url, ok := inputs["url"]
	if !ok {
		return nil, fmt.Errorf("%w: url", node.ErrMissingRequired)
	}
	outputPath, ok := inputs["output_path"]
	if !ok {
		return nil, fmt.Errorf("%w: output_path", node.ErrMissingRequired)
	}

	resp, err := n.client.Get(context.Background(), url.Str)
	if err != nil {
		return nil, fmt.Errorf("downloading %q: %w", url.Str, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downloading %q: unexpected status %d", url.Str, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}
	file, err := os.Create(outputPath.Path)
	if err != nil {
		return nil, fmt.Errorf("creating %q: %w", outputPath.Path, err)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return nil, fmt.Errorf("writing %q: %w", outputPath.Path, err)
	}
	return map[string]node.PortData{"path": outputPath.Clone()}, nil
}

// HTTPRequestNode performs a scalar HTTP request during compilation.
type HTTPRequestNode struct {
	client *httpclient.Client
}

// HTTPRequestFromParams constructs the node for the registry.
func HTTPRequestFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &HTTPRequestNode{client: httpclient.NewWithDefaults()}, nil
}

// NodeType implements node.Node.
func (n *HTTPRequestNode) NodeType() string { return "HttpRequest" }

// InputPorts implements node.Node.
func (n *HTTPRequestNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "url", PortType: node.PortStr, Required: true},
		{Name: "method", PortType: node.PortStr, DefaultValue: json.RawMessage(`"GET"`)},
		{Name: "body", PortType: node.PortStr, DefaultValue: json.RawMessage(`""`)},
	}
}

// OutputPorts implements node.Node.
func (n *HTTPRequestNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "response", PortType: node.PortStr, Required: true},
		{Name: "status_code", PortType: node.PortInt, Required: true},
	}
}

// Execute implements node.Node.
func (n *HTTPRequestNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	url, ok := inputs["url"]
	if !ok {
		return nil, fmt.Errorf("%w: url", node.ErrMissingRequired)
	}
	method := "GET"
	if m, ok := inputs["method"]; ok && m.Str != "" {
		method = strings.ToUpper(m.Str)
	}

	var body io.Reader
	if b, ok := inputs["body"]; ok && b.Str != "" {
		body = strings.NewReader(b.Str)
	}

	req, err := http.NewRequest(method, url.Str, body)
	if err != nil {
		return nil, fmt.Errorf("building %s request for %q: %w", method, url.Str, err)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %q: %w", method, url.Str, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %q: %w", url.Str, err)
	}

	return map[string]node.PortData{
		"response":    node.StrData(string(payload)),
		"status_code": node.IntData(int64(resp.StatusCode)),
	}, nil
}
