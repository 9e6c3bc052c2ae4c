package analyzer

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAnalyzer() *Analyzer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(logrus.NewEntry(log))
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// osSystemPickle builds a minimal pickle stream that imports os.system.
func osSystemPickle() []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0x80, 0x04}) // PROTO 4
	buf.WriteByte('c')            // GLOBAL
	buf.WriteString("os\nsystem\n")
	buf.WriteByte('R') // REDUCE
	buf.WriteByte('.') // STOP
	return buf.Bytes()
}

func TestAnalyzeRawPickleWithOSImport(t *testing.T) {
	path := writeTemp(t, "model.pkl", osSystemPickle())

	findings, err := newTestAnalyzer().Analyze(path, "pkl")
	require.NoError(t, err)
	require.NotEmpty(t, findings)

	found := false
	for _, f := range findings {
		if f.Type == FindingPickleExecution {
			found = true
			assert.Contains(t, f.Description, "os.system")
			assert.GreaterOrEqual(t, f.Confidence, 0.9)
		}
	}
	assert.True(t, found, "expected a pickle execution finding")
}

func TestAnalyzeZipCheckpointWithEmbeddedPickle(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("archive/data.pkl")
	require.NoError(t, err)
	_, err = w.Write(osSystemPickle())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	path := writeTemp(t, "model.pt", buf.Bytes())

	findings, err := newTestAnalyzer().Analyze(path, "pt")
	require.NoError(t, err)

	var execFindings int
	for _, f := range findings {
		if f.Type == FindingPickleExecution {
			execFindings++
			assert.Equal(t, "archive/data.pkl", f.Location)
		}
	}
	assert.Equal(t, 1, execFindings)
}

func TestAnalyzeSafetensorsBadOffsets(t *testing.T) {
	header := []byte(`{"weight":{"dtype":"F32","shape":[2],"data_offsets":[0,999999]}}`)
	var buf bytes.Buffer
	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
	buf.Write(lenBuf[:])
	buf.Write(header)
	buf.Write([]byte{0, 0, 0, 0, 0, 0, 0, 0}) // 8 bytes of tensor data

	path := writeTemp(t, "model.safetensors", buf.Bytes())

	findings, err := newTestAnalyzer().Analyze(path, "safetensors")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingOversizedTensor, findings[0].Type)
	assert.Equal(t, "weight", findings[0].Location)
}

func TestAnalyzeFormatMismatch(t *testing.T) {
	// Declared safetensors, actually a pickle.
	path := writeTemp(t, "model.safetensors", osSystemPickle())

	findings, err := newTestAnalyzer().Analyze(path, "safetensors")
	require.NoError(t, err)

	var mismatch bool
	for _, f := range findings {
		if f.Type == FindingFormatMismatch {
			mismatch = true
			assert.Equal(t, "pickle", f.Metadata["detected_format"])
		}
	}
	assert.True(t, mismatch, "expected a format mismatch finding")
}

func TestAnalyzeSuspiciousStrings(t *testing.T) {
	data := append([]byte("GGUF"), []byte("padding subprocess.Popen payload")...)
	path := writeTemp(t, "model.gguf", data)

	findings, err := newTestAnalyzer().Analyze(path, "gguf")
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, FindingSuspiciousString, findings[0].Type)
}

func TestAnalyzeCleanFile(t *testing.T) {
	data := append([]byte("GGUF"), bytes.Repeat([]byte{0x01, 0x02, 0x03}, 64)...)
	path := writeTemp(t, "model.gguf", data)

	findings, err := newTestAnalyzer().Analyze(path, "gguf")
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestDetectFormat(t *testing.T) {
	assert.Equal(t, "zip", detectFormat([]byte{0x50, 0x4b, 0x03, 0x04, 0x00}))
	assert.Equal(t, "h5", detectFormat([]byte{0x89, 0x48, 0x44, 0x46, 0x0d, 0x0a, 0x1a, 0x0a}))
	assert.Equal(t, "gguf", detectFormat([]byte("GGUFv3..")))
	assert.Equal(t, "pickle", detectFormat([]byte{0x80, 0x04, 0x95}))
	assert.Equal(t, "unknown", detectFormat([]byte("plain text")))
}
