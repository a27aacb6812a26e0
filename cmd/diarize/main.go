// Command diarize transcribes one local recording with speaker diarization
// and writes the exports next to it (or into -out).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/transcriptor/internal/audio"
	"github.com/snarg/transcriptor/internal/config"
	"github.com/snarg/transcriptor/internal/export"
	"github.com/snarg/transcriptor/internal/summarize"
	"github.com/snarg/transcriptor/internal/transcribe"
	"github.com/snarg/transcriptor/internal/transcript"
)

func main() {
	envFile := flag.String("env-file", "", "path to .env file (default .env)")
	language := flag.String("language", transcribe.DefaultLanguage, "recognition locale")
	speakers := flag.Int("speakers", transcribe.DefaultSpeakers, "maximum number of speakers (2-10)")
	formats := flag.String("formats", "srt,vtt,txt", "comma-separated export formats")
	outDir := flag.String("out", "", "output directory (default: next to the input)")
	summary := flag.String("summary", "", "also summarize: extractive or abstractive")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: diarize [flags] <audio.wav|audio.mp3>\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger().Level(level)

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}
	input := flag.Arg(0)

	fmts, err := parseFormats(*formats)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid -formats")
	}
	if *summary != "" && !summarize.ValidMode(*summary) {
		log.Fatal().Str("mode", *summary).Msg("invalid -summary mode")
	}
	if !transcribe.SupportedLanguage(*language) {
		log.Warn().Str("language", *language).Msg("language not in the offered list, sending anyway")
	}

	cfg, err := config.Load(config.Overrides{EnvFile: *envFile})
	if err != nil {
		var mce *config.MissingConfigurationError
		if errors.As(err, &mce) {
			log.Fatal().Strs("missing", mce.Vars).Msg("set the Azure credentials in the environment or a .env file")
		}
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, job{
		input:    input,
		outDir:   *outDir,
		formats:  fmts,
		summary:  *summary,
		language: *language,
		speakers: *speakers,
	}); err != nil {
		log.Fatal().Err(err).Msg("diarize failed")
	}
}

type job struct {
	input    string
	outDir   string
	formats  []export.Format
	summary  string
	language string
	speakers int
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger, j job) error {
	raw, err := os.ReadFile(j.input)
	if err != nil {
		return err
	}

	n := audio.NewNormalizer(audio.Options{TempDir: cfg.TempDir, TrustWAV: cfg.TrustWAV, Log: log})
	na, err := n.Normalize(raw, filepath.Base(j.input))
	if err != nil {
		return err
	}
	defer na.Remove()
	log.Info().Float64("seconds", na.Seconds()).Bool("pass_through", na.PassThrough).Msg("audio normalized")

	rec := transcribe.NewAzureRecognizer(transcribe.AzureRecognizerOptions{
		Key:     cfg.SpeechKey,
		Region:  cfg.SpeechRegion,
		BaseURL: cfg.SpeechEndpoint,
		Timeout: cfg.AzureTimeout,
		Log:     log,
	})
	opts := transcribe.DefaultOptions()
	opts.Language = j.language
	opts.CandidateLocales = []string{j.language}
	opts.MaxSpeakers = j.speakers

	start := time.Now()
	t, err := transcribe.NewSession(rec, log).Transcribe(ctx, na, opts.Normalize(), func(p float64) {
		log.Debug().Msgf("progress %3.0f%%", p*100)
	})
	if err != nil {
		return err
	}
	log.Info().
		Int("segments", len(t.Segments)).
		Int("speakers", len(t.Speakers())).
		Dur("took", time.Since(start)).
		Msg("transcription finished")

	dir := j.outDir
	if dir == "" {
		dir = filepath.Dir(j.input)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	stem := strings.TrimSuffix(filepath.Base(j.input), filepath.Ext(j.input))

	for _, f := range j.formats {
		content, err := export.Render(f, t)
		if err != nil {
			return err
		}
		path := filepath.Join(dir, stem+"."+string(f))
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return err
		}
		log.Info().Str("file", path).Msg("export written")
	}

	if j.summary != "" {
		return writeSummary(ctx, cfg, log, t, j.summary, filepath.Join(dir, stem+".summary.txt"))
	}
	return nil
}

func writeSummary(ctx context.Context, cfg *config.Config, log zerolog.Logger, t *transcript.Transcript, mode, path string) error {
	text := t.FullText()
	if strings.TrimSpace(text) == "" {
		log.Warn().Msg("empty transcript, nothing to summarize")
		return nil
	}
	c := summarize.New(summarize.Options{
		Endpoint:     cfg.LanguageEndpoint,
		Key:          cfg.LanguageKey,
		Language:     cfg.SummaryLanguage,
		PollInterval: cfg.SummaryPollInterval,
		MaxAttempts:  cfg.SummaryMaxAttempts,
		Log:          log,
	})
	out, err := c.Summarize(ctx, text, mode)
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}
	sum := transcript.NewSummary(text, out, mode)
	log.Info().
		Int("source_words", sum.SourceWords).
		Int("summary_words", sum.SummaryWords).
		Str("reduction", fmt.Sprintf("%.1f%%", sum.Reduction())).
		Msg("summary written")
	return os.WriteFile(path, []byte(out), 0o644)
}

// parseFormats accepts a comma-separated list and drops duplicates.
func parseFormats(s string) ([]export.Format, error) {
	seen := map[export.Format]bool{}
	var out []export.Format
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		f, err := export.ParseFormat(part)
		if err != nil {
			return nil, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no export formats given")
	}
	return out, nil
}
