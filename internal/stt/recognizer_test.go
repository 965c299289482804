package stt

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
	"github.com/vozfin/vozfin-core/internal/config"
)

func TestNewRecognizerModes(t *testing.T) {
	rec, err := NewRecognizer(config.STTConfig{Mode: "mock", MockPhrase: "recebi 3000"})
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), nil, 16000, 1)
	if err != nil || res.Text != "recebi 3000" {
		t.Fatalf("unexpected mock result %+v, %v", res, err)
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for exec without command")
	}
	if _, err := NewRecognizer(config.STTConfig{Mode: "cloud"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestWritePCMToWav(t *testing.T) {
	pcm := make([]byte, 8)
	for i, v := range []int16{0, 1000, -1000, 32767} {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(v))
	}
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := writePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 || dec.BitDepth != 16 {
		t.Fatalf("unexpected format rate=%d chans=%d depth=%d", dec.SampleRate, dec.NumChans, dec.BitDepth)
	}
	want := []int{0, 1000, -1000, 32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Fatalf("sample %d: got %d want %d", i, buf.Data[i], want[i])
		}
	}
}

func TestWritePCMRejectsOddLength(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "odd.wav"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestExecRecognizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-stt.sh")
	body := "#!/bin/sh\n" +
		"for arg in \"$@\"; do\n" +
		"  if [ \"$prev\" = \"--language\" ]; then lang=\"$arg\"; fi\n" +
		"  prev=\"$arg\"\n" +
		"done\n" +
		"printf '{\"text\":\"gastei 10 reais %s\",\"confidence\":0.8}' \"$lang\"\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	rec, err := NewExecRecognizer(config.STTConfig{Command: script, Language: "pt-BR"})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), []byte{0, 0, 1, 0}, 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "gastei 10 reais pt-BR" || res.Confidence != 0.8 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecRecognizerFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "broken.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 3\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	rec, err := NewExecRecognizer(config.STTConfig{Command: script})
	if err != nil {
		t.Fatalf("new exec recognizer: %v", err)
	}
	if _, err := rec.Transcribe(context.Background(), nil, 16000, 1); err == nil {
		t.Fatal("expected command failure")
	}
}
