package util_test

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/downfa11-org/logstream/util"
)

var codecs = []string{"gzip", "snappy", "lz4", "zstd", "none"}

func TestCompress_AllTypes(t *testing.T) {
	testData := []byte("Hello, World! This is a test string for compression.")

	tests := []struct {
		name            string
		compressionType string
		expectError     bool
	}{
		{"gzip", "gzip", false},
		{"snappy", "snappy", false},
		{"lz4", "lz4", false},
		{"zstd", "zstd", false},
		{"none", "none", false},
		{"empty", "", false},
		{"unsupported", "unknown", true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			result, err := util.Compress(testData, tt.compressionType)

			if tt.expectError {
				if err == nil {
					t.Fatalf("expected error for compression type %s", tt.compressionType)
				}
				if util.IsCompression(tt.compressionType) {
					t.Fatalf("IsCompression accepted %s", tt.compressionType)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error for compression type %s: %v", tt.compressionType, err)
			}
			if !util.IsCompression(tt.compressionType) {
				t.Fatalf("IsCompression rejected %s", tt.compressionType)
			}

			if tt.compressionType == "none" || tt.compressionType == "" {
				if !bytes.Equal(result, testData) {
					t.Fatalf("expected original data for type %s", tt.compressionType)
				}
			} else if result == nil {
				t.Fatalf("expected non-nil compressed result for type %s", tt.compressionType)
			}
		})
	}
}

func TestDecompress_Unsupported(t *testing.T) {
	if _, err := util.Decompress([]byte("invalid"), "unknown"); err == nil {
		t.Fatalf("expected error for unknown compression type")
	}
	if _, err := util.Decompress([]byte("invalid"), "gzip"); err == nil {
		t.Fatalf("expected error for corrupt gzip input")
	}
}

func TestCompressDecompressRoundtrip(t *testing.T) {
	testCases := [][]byte{
		[]byte("a"),
		[]byte("Hello, World!"),
		make([]byte, 1000),
		bytes.Repeat([]byte("logstream "), 1000),
	}

	for _, tc := range testCases {
		tc := tc
		for _, ct := range codecs {
			ct := ct
			t.Run(fmt.Sprintf("%s_%dB", ct, len(tc)), func(t *testing.T) {
				compressed, err := util.Compress(tc, ct)
				if err != nil {
					t.Fatalf("compression failed: %v", err)
				}

				decompressed, err := util.Decompress(compressed, ct)
				if err != nil {
					t.Fatalf("decompression failed: %v", err)
				}

				if !bytes.Equal(decompressed, tc) {
					t.Fatalf("roundtrip failed: original=%d decompressed=%d", len(tc), len(decompressed))
				}
			})
		}
	}
}

func TestConcurrentCompression(t *testing.T) {
	testData := []byte("Hello, concurrent compression")

	var wg sync.WaitGroup
	errCh := make(chan error, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			compType := codecs[id%len(codecs)]

			c, err := util.Compress(testData, compType)
			if err != nil {
				errCh <- fmt.Errorf("compress failed (id=%d type=%s): %v", id, compType, err)
				return
			}

			d, err := util.Decompress(c, compType)
			if err != nil {
				errCh <- fmt.Errorf("decompress failed (id=%d type=%s): %v", id, compType, err)
				return
			}

			if !bytes.Equal(d, testData) {
				errCh <- fmt.Errorf("data mismatch (id=%d type=%s)", id, compType)
			}
		}(i)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Error(err)
	}
}
