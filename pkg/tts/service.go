package tts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"xmf-forking-server/pkg/media"
	"xmf-forking-server/pkg/metrics"
)

// ErrInvalidRequest rejects requests with missing or unusable fields.
var ErrInvalidRequest = errors.New("invalid tts request")

// Request identifies one prompt: /tts/{lang}/{gender}/{codec}?text=...
type Request struct {
	Language string
	Gender   string
	Codec    string
	Text     string
}

func (r Request) normalize() (Request, error) {
	r.Language = strings.TrimSpace(r.Language)
	r.Gender = strings.ToUpper(strings.TrimSpace(r.Gender))
	r.Codec = strings.ToUpper(strings.TrimSpace(r.Codec))
	if r.Language == "" || r.Gender == "" || r.Codec == "" || r.Text == "" {
		return r, fmt.Errorf("%w: language, gender, codec and text are required", ErrInvalidRequest)
	}
	for _, item := range []string{r.Language, r.Gender, r.Codec} {
		if strings.ContainsAny(item, `/\`) || strings.Contains(item, "..") {
			return r, fmt.Errorf("%w: path item %q must not contain separators", ErrInvalidRequest, item)
		}
	}
	return r, nil
}

// Key is the cache key of the prompt.
func (r Request) Key() string {
	return r.Language + ":" + r.Gender + ":" + r.Codec + ":" + r.Text
}

// Audio is a cached WAV file.
type Audio struct {
	Path    string
	ModTime time.Time
	Cached  bool
}

// Service synthesises prompts as G.711 WAV files and caches them on disk.
type Service struct {
	synth    Synthesizer
	index    Index
	mirror   Mirror
	cacheDir string
	logger   *logrus.Logger
	now      func() time.Time

	fill sync.Mutex
}

// NewService creates the service. index defaults to a MemoryIndex and
// mirror may be nil.
func NewService(synth Synthesizer, index Index, mirror Mirror, cacheDir string, logger *logrus.Logger) *Service {
	if index == nil {
		index = NewMemoryIndex()
	}
	return &Service{
		synth:    synth,
		index:    index,
		mirror:   mirror,
		cacheDir: filepath.Clean(cacheDir),
		logger:   logger,
		now:      time.Now,
	}
}

// CacheDir is the root of the WAV cache.
func (s *Service) CacheDir() string { return s.cacheDir }

// Get returns the cached file for req, synthesising it on a miss.
func (s *Service) Get(ctx context.Context, req Request) (*Audio, error) {
	req, err := req.normalize()
	if err != nil {
		return nil, err
	}
	key := req.Key()

	if audio := s.lookup(ctx, key); audio != nil {
		metrics.RecordTTS(true)
		return audio, nil
	}

	s.fill.Lock()
	defer s.fill.Unlock()
	if audio := s.lookup(ctx, key); audio != nil {
		metrics.RecordTTS(true)
		return audio, nil
	}
	metrics.RecordTTS(false)
	return s.synthesize(ctx, req, key)
}

func (s *Service) lookup(ctx context.Context, key string) *Audio {
	path, ok, err := s.index.Get(ctx, key)
	if err != nil {
		s.logger.WithError(err).Warn("TTS index lookup failed")
		return nil
	}
	if !ok {
		return nil
	}

	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) && s.mirror != nil {
		if ferr := s.mirror.Fetch(ctx, s.relative(path), path); ferr == nil {
			s.logger.WithField("file", path).Info("Restored TTS file from mirror")
			info, err = os.Stat(path)
		}
	}
	if err != nil {
		s.logger.WithError(err).WithField("file", path).Warn("Cached TTS file unavailable")
		if rerr := s.index.RemovePath(ctx, path); rerr != nil {
			s.logger.WithError(rerr).Warn("Failed to drop stale TTS index entry")
		}
		return nil
	}
	return &Audio{Path: path, ModTime: info.ModTime(), Cached: true}
}

func (s *Service) synthesize(ctx context.Context, req Request, key string) (*Audio, error) {
	wav, err := s.synth.Synthesize(ctx, req.Text, req.Language, req.Gender)
	if err != nil {
		return nil, err
	}
	codec := media.ParseCodec(req.Codec)
	samples := codec.Encode(media.StripWAVHeader(wav))

	dir := filepath.Join(s.cacheDir, req.Language, req.Gender, req.Codec)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating tts directory: %w", err)
	}
	path, err := s.writeFile(dir, codec, samples)
	if err != nil {
		return nil, err
	}

	fields := logrus.Fields{
		"file":     path,
		"language": req.Language,
		"gender":   req.Gender,
		"codec":    codec.String(),
		"samples":  len(samples),
	}
	s.logger.WithFields(fields).Info("Synthesised TTS prompt")

	if err := s.index.Put(ctx, key, path); err != nil {
		s.logger.WithError(err).WithFields(fields).Warn("Failed to index TTS file")
	}
	if s.mirror != nil {
		if err := s.mirror.Upload(ctx, path, s.relative(path)); err != nil {
			s.logger.WithError(err).WithFields(fields).Warn("Failed to mirror TTS file")
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Audio{Path: path, ModTime: info.ModTime()}, nil
}

// writeFile names the file TTS_<day of year><HHmmssSSS>.wav, stepping the
// timestamp on collision.
func (s *Service) writeFile(dir string, codec media.Codec, samples []byte) (string, error) {
	t := s.now()
	for attempt := 0; attempt < 100; attempt++ {
		stamp := t.Add(time.Duration(attempt) * time.Millisecond)
		name := fmt.Sprintf("TTS_%03d%s%03d.wav", stamp.YearDay(), stamp.Format("150405"), stamp.Nanosecond()/int(time.Millisecond))
		path := filepath.Join(dir, name)

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("creating tts file: %w", err)
		}
		if err := media.WriteWAV(f, codec, SampleRate, samples); err != nil {
			f.Close()
			os.Remove(path)
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return path, nil
	}
	return "", fmt.Errorf("no free tts file name in %s", dir)
}

func (s *Service) relative(path string) string {
	rel, err := filepath.Rel(s.cacheDir, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}

// Close releases the synthesiser.
func (s *Service) Close() error {
	return s.synth.Close()
}
