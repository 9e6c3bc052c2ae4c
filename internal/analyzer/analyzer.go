package analyzer

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"modelsentry/types"
)

// Analyzer inspects uploaded model artifacts without executing them. It
// detects the real serialization format from magic bytes, walks pickle
// streams for code-execution opcodes, and checks container metadata for
// inconsistencies.
type Analyzer struct {
	log *logrus.Entry
}

// New creates an analyzer.
func New(log *logrus.Entry) *Analyzer {
	return &Analyzer{log: log}
}

// Format magic prefixes.
var (
	magicZip   = []byte{0x50, 0x4b, 0x03, 0x04}
	magicHDF5  = []byte{0x89, 0x48, 0x44, 0x46, 0x0d, 0x0a, 0x1a, 0x0a}
	magicGGUF  = []byte("GGUF")
	magicProto = []byte{0x08} // common first field of a TF GraphDef / ONNX ModelProto
)

// Pickle opcodes that can trigger code execution during load.
const (
	opGlobal      = 'c'
	opInst        = 'i'
	opObj         = 'o'
	opReduce      = 'R'
	opNewObj      = 0x81
	opNewObjEx    = 0x92
	opStackGlobal = 0x93
)

// Module references inside a pickle GLOBAL/STACK_GLOBAL that have no business
// in a model checkpoint.
var dangerousModules = []string{
	"os", "posix", "nt", "subprocess", "sys", "socket", "shutil",
	"runpy", "commands", "pty", "pickle", "builtins", "__builtin__",
	"importlib", "ctypes", "webbrowser", "httplib", "urllib",
	"requests", "base64", "codecs", "operator",
}

// Byte patterns that indicate embedded payloads in any format.
var suspiciousPatterns = [][]byte{
	[]byte("os.system"),
	[]byte("subprocess.Popen"),
	[]byte("subprocess.call"),
	[]byte("eval("),
	[]byte("exec("),
	[]byte("compile("),
	[]byte("__import__"),
	[]byte("base64.b64decode"),
	[]byte("socket.socket"),
	[]byte("/bin/sh"),
	[]byte("/bin/bash"),
	[]byte("powershell"),
	[]byte("cmd.exe"),
}

// Finding type names produced by the analyzer.
const (
	FindingPickleExecution  = "pickle_code_execution"
	FindingSuspiciousString = "suspicious_payload_string"
	FindingFormatMismatch   = "format_mismatch"
	FindingOversizedTensor  = "oversized_tensor"
	FindingMalformedHeader  = "malformed_header"
)

const maxScanBytes = 64 << 20 // cap in-memory scanning of very large entries

// Analyze inspects the model file at path and returns its findings. A clean
// file yields an empty slice and no error.
func (a *Analyzer) Analyze(path, declaredFormat string) ([]types.Finding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat model file: %w", err)
	}

	header := make([]byte, 16)
	n, err := f.Read(header)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header = header[:n]

	actual := detectFormat(header)
	var findings []types.Finding

	if mismatch := formatMismatch(declaredFormat, actual); mismatch != "" {
		findings = append(findings, types.Finding{
			Type:        FindingFormatMismatch,
			Description: mismatch,
			Confidence:  0.6,
			Metadata: map[string]interface{}{
				"declared_format": declaredFormat,
				"detected_format": actual,
			},
		})
	}

	switch actual {
	case "zip":
		zipFindings, err := a.analyzeZip(path, info.Size())
		if err != nil {
			return nil, err
		}
		findings = append(findings, zipFindings...)
	case "pickle":
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data, err := readCapped(f, info.Size())
		if err != nil {
			return nil, err
		}
		findings = append(findings, scanPickle(data, filepath.Base(path))...)
		findings = append(findings, scanStrings(data, filepath.Base(path))...)
	case "safetensors":
		stFindings, err := analyzeSafetensors(f, info.Size())
		if err != nil {
			return nil, err
		}
		findings = append(findings, stFindings...)
	default:
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		data, err := readCapped(f, info.Size())
		if err != nil {
			return nil, err
		}
		findings = append(findings, scanStrings(data, filepath.Base(path))...)
	}

	a.log.WithFields(logrus.Fields{
		"path":     filepath.Base(path),
		"format":   actual,
		"findings": len(findings),
	}).Debug("Static analysis complete")

	return findings, nil
}

// detectFormat identifies the serialization format from leading magic bytes.
func detectFormat(header []byte) string {
	switch {
	case bytes.HasPrefix(header, magicZip):
		return "zip"
	case bytes.HasPrefix(header, magicHDF5):
		return "h5"
	case bytes.HasPrefix(header, magicGGUF):
		return "gguf"
	case len(header) >= 2 && header[0] == 0x80 && header[1] <= 5:
		// PROTO opcode with a plausible protocol number.
		return "pickle"
	case isSafetensorsHeader(header):
		return "safetensors"
	case bytes.HasPrefix(header, magicProto):
		return "protobuf"
	default:
		return "unknown"
	}
}

// isSafetensorsHeader checks for the 8-byte little-endian header length
// followed by the opening brace of the header JSON.
func isSafetensorsHeader(header []byte) bool {
	if len(header) < 9 {
		return false
	}
	size := binary.LittleEndian.Uint64(header[:8])
	return size > 0 && size < 1<<32 && header[8] == '{'
}

// formatMismatch returns a description when the declared extension cannot
// produce the detected byte layout, or "" when they agree.
func formatMismatch(declared, actual string) string {
	expected := map[string][]string{
		"pt":          {"zip", "pickle"},
		"pth":         {"zip", "pickle"},
		"pkl":         {"pickle"},
		"joblib":      {"pickle", "zip"},
		"onnx":        {"protobuf", "unknown"},
		"pb":          {"protobuf", "unknown"},
		"h5":          {"h5"},
		"safetensors": {"safetensors"},
		"gguf":        {"gguf"},
	}

	allowed, known := expected[strings.ToLower(declared)]
	if !known {
		return ""
	}
	for _, a := range allowed {
		if a == actual {
			return ""
		}
	}
	return fmt.Sprintf("file declared as %s but content is %s", declared, actual)
}

// analyzeZip walks a zip container (PyTorch checkpoints, joblib archives) and
// scans any embedded pickle streams.
func (a *Analyzer) analyzeZip(path string, size int64) ([]types.Finding, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return []types.Finding{{
			Type:        FindingMalformedHeader,
			Description: "zip container is unreadable or truncated",
			Confidence:  0.5,
			Metadata:    map[string]interface{}{"error": err.Error()},
		}}, nil
	}
	defer r.Close()

	var findings []types.Finding
	for _, entry := range r.File {
		name := entry.Name
		isPickle := strings.HasSuffix(name, ".pkl") || strings.HasSuffix(name, "/data.pkl") || name == "data.pkl"
		if !isPickle && !strings.HasSuffix(name, ".py") && !strings.HasSuffix(name, "version") {
			// Tensor data blobs are opaque; skip them except for a size check.
			if int64(entry.UncompressedSize64) > size*20 && size > 0 {
				findings = append(findings, types.Finding{
					Type:        FindingOversizedTensor,
					Description: fmt.Sprintf("archive entry %s decompresses to %d bytes, far beyond the container size", name, entry.UncompressedSize64),
					Confidence:  0.7,
					Location:    name,
				})
			}
			continue
		}

		rc, err := entry.Open()
		if err != nil {
			continue
		}
		data, err := readCapped(rc, int64(entry.UncompressedSize64))
		rc.Close()
		if err != nil {
			return nil, err
		}

		if isPickle {
			findings = append(findings, scanPickle(data, name)...)
		}
		findings = append(findings, scanStrings(data, name)...)
	}
	return findings, nil
}

// scanPickle walks a pickle stream looking for opcodes that import and invoke
// callables at load time.
func scanPickle(data []byte, location string) []types.Finding {
	var findings []types.Finding
	seenModules := make(map[string]struct{})
	hasReduce := false

	for i := 0; i < len(data); i++ {
		switch data[i] {
		case opGlobal, opInst:
			// Opcode is followed by module\nname\n.
			module, rest := readLine(data[i+1:])
			name, _ := readLine(rest)
			ref := module + "." + name
			if isDangerousModule(module) {
				if _, dup := seenModules[ref]; !dup {
					seenModules[ref] = struct{}{}
					findings = append(findings, types.Finding{
						Type:        FindingPickleExecution,
						Description: fmt.Sprintf("pickle imports %s which can execute code during load", ref),
						Confidence:  pickleConfidence(module, name),
						Location:    location,
						Metadata:    map[string]interface{}{"callable": ref},
					})
				}
			}
		case opReduce, opNewObj, opNewObjEx:
			hasReduce = true
		case opStackGlobal:
			// Module and name were pushed as earlier string opcodes; flag it
			// generically since resolving the stack is out of scope here.
			hasReduce = true
		}
	}

	// REDUCE alone is normal for checkpoints; only dangerous imports matter.
	if hasReduce && len(findings) > 0 {
		for i := range findings {
			if findings[i].Type == FindingPickleExecution {
				findings[i].Confidence = clamp01(findings[i].Confidence + 0.05)
			}
		}
	}
	return findings
}

func pickleConfidence(module, name string) float64 {
	full := module + "." + name
	switch {
	case full == "os.system" || full == "builtins.eval" || full == "builtins.exec" ||
		full == "__builtin__.eval" || strings.HasPrefix(full, "subprocess."):
		return 0.95
	case module == "os" || module == "posix" || module == "nt" || module == "socket":
		return 0.85
	default:
		return 0.7
	}
}

func isDangerousModule(module string) bool {
	root := module
	if idx := strings.IndexByte(module, '.'); idx > 0 {
		root = module[:idx]
	}
	for _, m := range dangerousModules {
		if root == m {
			return true
		}
	}
	return false
}

// scanStrings flags embedded payload fragments in raw bytes.
func scanStrings(data []byte, location string) []types.Finding {
	var findings []types.Finding
	for _, pattern := range suspiciousPatterns {
		if bytes.Contains(data, pattern) {
			findings = append(findings, types.Finding{
				Type:        FindingSuspiciousString,
				Description: fmt.Sprintf("embedded string %q found in model data", pattern),
				Confidence:  0.55,
				Location:    location,
				Metadata:    map[string]interface{}{"pattern": string(pattern)},
			})
		}
	}
	return findings
}

// analyzeSafetensors validates the header JSON and checks that declared
// tensor extents fit inside the file.
func analyzeSafetensors(f *os.File, size int64) ([]types.Finding, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var lenBuf [8]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("read safetensors header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])

	if headerLen == 0 || int64(headerLen) > size-8 || headerLen > 64<<20 {
		return []types.Finding{{
			Type:        FindingMalformedHeader,
			Description: fmt.Sprintf("safetensors header length %d is inconsistent with file size %d", headerLen, size),
			Confidence:  0.8,
		}}, nil
	}

	headerData := make([]byte, headerLen)
	if _, err := io.ReadFull(f, headerData); err != nil {
		return nil, fmt.Errorf("read safetensors header: %w", err)
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(headerData, &header); err != nil {
		return []types.Finding{{
			Type:        FindingMalformedHeader,
			Description: "safetensors header is not valid JSON",
			Confidence:  0.8,
			Metadata:    map[string]interface{}{"error": err.Error()},
		}}, nil
	}

	dataRegion := size - 8 - int64(headerLen)
	var findings []types.Finding
	for name, raw := range header {
		if name == "__metadata__" {
			continue
		}
		var tensor struct {
			Offsets [2]int64 `json:"data_offsets"`
		}
		if err := json.Unmarshal(raw, &tensor); err != nil {
			continue
		}
		if tensor.Offsets[1] > dataRegion || tensor.Offsets[0] > tensor.Offsets[1] {
			findings = append(findings, types.Finding{
				Type:        FindingOversizedTensor,
				Description: fmt.Sprintf("tensor %s declares offsets [%d, %d] beyond the %d-byte data region", name, tensor.Offsets[0], tensor.Offsets[1], dataRegion),
				Confidence:  0.75,
				Location:    name,
			})
		}
	}
	return findings, nil
}

// readLine reads bytes up to a newline, returning the line and the remainder.
func readLine(data []byte) (string, []byte) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return string(data), nil
	}
	return string(data[:idx]), data[idx+1:]
}

func readCapped(r io.Reader, hint int64) ([]byte, error) {
	limit := int64(maxScanBytes)
	if hint > 0 && hint < limit {
		limit = hint
	}
	data, err := io.ReadAll(io.LimitReader(r, limit))
	if err != nil {
		return nil, fmt.Errorf("read model data: %w", err)
	}
	return data, nil
}

func clamp01(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
