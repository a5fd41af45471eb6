package extractor

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/doomedramen/autopwn/internal/config"
	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// HashAlgoWPA is the hashcat mode for WPA-PBKDF2-PMKID+EAPOL records.
const HashAlgoWPA = "22000"

// HashRecord is one crackable hash extracted from a capture, tagged with the
// network it belongs to.
type HashRecord struct {
	Payload string // full 22000 line as hashcat consumes it
	ESSID   string
	BSSID   string
	Algo    string
}

// Converter turns a raw capture file into hashcat 22000 lines. It is an
// interface so tests can extract without the external tool installed.
type Converter interface {
	Convert(ctx context.Context, capturePath, outputPath string) error
}

// HcxConverter shells out to hcxpcapngtool.
type HcxConverter struct {
	Binary string
}

// Convert runs hcxpcapngtool against the capture. The tool exits zero even
// when the capture holds no handshakes; in that case no output file is
// written, which the caller treats as zero records.
func (c *HcxConverter) Convert(ctx context.Context, capturePath, outputPath string) error {
	cmd := exec.CommandContext(ctx, c.Binary, "-o", outputPath, capturePath)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("hcxpcapngtool failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}
	debug.Debug("hcxpcapngtool finished for %s", capturePath)
	return nil
}

// CaptureStore is the slice of the capture repository the extractor needs.
type CaptureStore interface {
	SetParseError(ctx context.Context, id uuid.UUID, parseErr string) error
}

// JobStore is the slice of the job repository the extractor needs.
type JobStore interface {
	Create(ctx context.Context, job *models.HashJob) error
}

// Extractor parses capture files into hash records and creates one pending
// job per record. Extraction of one file is independent of all others; a
// malformed capture is recorded as processed-with-error and never stops the
// pipeline.
type Extractor struct {
	cfg         *config.Config
	converter   Converter
	captureRepo CaptureStore
	jobRepo     JobStore
	notify      func() // wakes the processor after new jobs are created
}

// New creates an extractor backed by hcxpcapngtool.
func New(cfg *config.Config, captureRepo CaptureStore, jobRepo JobStore, notify func()) *Extractor {
	return &Extractor{
		cfg:         cfg,
		converter:   &HcxConverter{Binary: cfg.HcxToolBinary},
		captureRepo: captureRepo,
		jobRepo:     jobRepo,
		notify:      notify,
	}
}

// NewWithConverter creates an extractor with a custom converter.
func NewWithConverter(cfg *config.Config, converter Converter, captureRepo CaptureStore, jobRepo JobStore, notify func()) *Extractor {
	return &Extractor{
		cfg:         cfg,
		converter:   converter,
		captureRepo: captureRepo,
		jobRepo:     jobRepo,
		notify:      notify,
	}
}

// Process extracts hash records from a recorded capture and creates a pending
// job for each one. Parse failures are recorded on the capture and reported
// as zero jobs, not as an error: one bad file must never halt the pipeline.
// Repository failures are returned so the caller can retry or surface them.
func (e *Extractor) Process(ctx context.Context, capture *models.CaptureFile) (int, error) {
	debug.Info("Extracting hashes from capture %s (%s)", capture.ID, capture.Path)

	records, parseErr := e.extract(ctx, capture)
	if parseErr != nil {
		debug.Warning("Capture %s failed to parse: %v", capture.Path, parseErr)
		if err := e.captureRepo.SetParseError(ctx, capture.ID, parseErr.Error()); err != nil {
			return 0, fmt.Errorf("failed to record parse error for capture %s: %w", capture.ID, err)
		}
		return 0, nil
	}
	if len(records) == 0 {
		debug.Info("Capture %s contains no crackable handshakes", capture.Path)
		return 0, nil
	}

	dictionaries, err := e.cfg.DefaultDictionaries()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve default dictionaries: %w", err)
	}
	if len(dictionaries) == 0 {
		debug.Warning("Dictionary root %s is empty, jobs will exhaust immediately", e.cfg.DictionariesPath)
	}

	created := 0
	for _, record := range records {
		job := &models.HashJob{
			CaptureID:    capture.ID,
			HashPayload:  record.Payload,
			HashAlgo:     record.Algo,
			ESSID:        record.ESSID,
			BSSID:        record.BSSID,
			Status:       models.JobStatusPending,
			Dictionaries: dictionaries,
			DeviceClass:  e.cfg.DefaultDevice,
		}
		if err := e.jobRepo.Create(ctx, job); err != nil {
			return created, fmt.Errorf("failed to create job for capture %s: %w", capture.ID, err)
		}
		created++
	}

	debug.Info("Capture %s produced %d jobs", capture.Path, created)
	if e.notify != nil {
		e.notify()
	}
	return created, nil
}

// extract yields the hash records contained in a capture. Raw pcap formats
// are converted through hcxpcapngtool first; already-converted hash files are
// parsed directly. Unsupported formats are a parse error.
func (e *Extractor) extract(ctx context.Context, capture *models.CaptureFile) ([]HashRecord, error) {
	switch strings.ToLower(filepath.Ext(capture.Path)) {
	case ".hc22000", ".22000":
		file, err := os.Open(capture.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open hash file: %w", err)
		}
		defer file.Close()
		return ParseHashLines(file)

	case ".pcap", ".pcapng", ".cap":
		convertedDir := filepath.Join(e.cfg.DataPath, "converted")
		if err := os.MkdirAll(convertedDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create conversion directory: %w", err)
		}
		outputPath := filepath.Join(convertedDir, capture.ID.String()+".hc22000")
		if err := e.converter.Convert(ctx, capture.Path, outputPath); err != nil {
			return nil, err
		}
		file, err := os.Open(outputPath)
		if err != nil {
			if os.IsNotExist(err) {
				// Valid capture, no handshakes inside.
				return nil, nil
			}
			return nil, fmt.Errorf("failed to open converted hash file: %w", err)
		}
		defer file.Close()
		return ParseHashLines(file)

	default:
		return nil, fmt.Errorf("unsupported capture format: %s", filepath.Ext(capture.Path))
	}
}

// ParseHashLines parses hashcat 22000 lines into hash records. Individual
// malformed lines are skipped with a warning; if the input has content but
// yields no valid record at all, that is a parse error.
func ParseHashLines(r io.Reader) ([]HashRecord, error) {
	var records []HashRecord
	malformed := 0
	sawContent := false

	scanner := bufio.NewScanner(r)
	// 22000 lines can be long for large EAPOL payloads.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		sawContent = true
		record, err := parseHashLine(line)
		if err != nil {
			debug.Warning("Skipping malformed hash line: %v", err)
			malformed++
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read hash lines: %w", err)
	}
	if sawContent && len(records) == 0 {
		return nil, fmt.Errorf("no valid hash records found (%d malformed lines)", malformed)
	}
	return records, nil
}

// parseHashLine parses a single WPA*TYPE*PMKID/MIC*MACAP*MACSTA*ESSID*...
// line. ESSID is hex encoded in field 5; MACAP in field 3 identifies the
// access point.
func parseHashLine(line string) (HashRecord, error) {
	fields := strings.Split(line, "*")
	if len(fields) < 6 || fields[0] != "WPA" {
		return HashRecord{}, fmt.Errorf("not a WPA 22000 record: %.40q", line)
	}

	essidBytes, err := hex.DecodeString(fields[5])
	if err != nil {
		return HashRecord{}, fmt.Errorf("invalid essid field %q: %w", fields[5], err)
	}

	return HashRecord{
		Payload: line,
		ESSID:   string(essidBytes),
		BSSID:   formatMAC(fields[3]),
		Algo:    HashAlgoWPA,
	}, nil
}

// formatMAC turns the raw 12-hex-digit MAC from a 22000 record into the
// usual colon-separated form. Anything unexpected is passed through as-is.
func formatMAC(raw string) string {
	if len(raw) != 12 {
		return raw
	}
	var parts []string
	for i := 0; i < 12; i += 2 {
		parts = append(parts, strings.ToLower(raw[i:i+2]))
	}
	return strings.Join(parts, ":")
}
