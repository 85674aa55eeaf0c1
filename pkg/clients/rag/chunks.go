package rag

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/openfroyo/smartpipeline/pkg/engine"
)

// MinChunkLength drops chunks too short to carry meaning.
const MinChunkLength = 50

// Chunk is one entry of the document chunks file.
type Chunk struct {
	ID         string        `json:"id"`
	SourceFile string        `json:"source_file"`
	Title      string        `json:"title"`
	Content    string        `json:"content"`
	ChunkType  string        `json:"chunk_type"`
	Metadata   ChunkMetadata `json:"metadata"`
	WordCount  int           `json:"word_count"`
	CreatedAt  time.Time     `json:"created_at"`
}

// ChunkMetadata describes where a chunk came from.
type ChunkMetadata struct {
	SourceFile   string `json:"source_file"`
	DocumentType string `json:"document_type"`
	SectionIndex int    `json:"section_index"`
	WordCount    int    `json:"word_count"`
}

// LoadChunks reads a chunks file.
func LoadChunks(path string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var chunks []Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return chunks, nil
}

// KeywordSearch ranks chunks by query term overlap. Title matches weigh
// three times content matches and scores are normalized to [0,1].
func KeywordSearch(chunks []Chunk, query string, limit int) []engine.Snippet {
	terms := termSet(query)
	if len(terms) == 0 {
		return []engine.Snippet{}
	}

	type scored struct {
		chunk Chunk
		score float64
	}
	var ranked []scored
	for _, chunk := range chunks {
		titleTerms := termSet(chunk.Title)
		contentTerms := termSet(chunk.Content)

		raw := 0
		for term := range terms {
			if titleTerms[term] {
				raw += 3
			}
			if contentTerms[term] {
				raw++
			}
		}
		if raw == 0 {
			continue
		}
		ranked = append(ranked, scored{chunk: chunk, score: clamp01(float64(raw) / float64(len(terms)*3))})
	}

	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]engine.Snippet, 0, len(ranked))
	for _, r := range ranked {
		out = append(out, engine.Snippet{
			Source:  r.chunk.SourceFile,
			Title:   r.chunk.Title,
			Content: r.chunk.Content,
			Score:   r.score,
		})
	}
	return out
}

func termSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		set[f] = true
	}
	return set
}

var (
	adrPattern       = regexp.MustCompile(`(?i)^adr-\d+`)
	paragraphPattern = regexp.MustCompile(`\n\s*\n`)
)

// supportedExtensions are the file types the scanner chunks.
var supportedExtensions = map[string]bool{".md": true, ".yml": true, ".yaml": true, ".rst": true, ".txt": true}

// Scanner turns documents in source directories into a chunks file.
type Scanner struct {
	SourceDirs []string
	OutputDir  string
	Logger     zerolog.Logger

	now func() time.Time
}

// NewScanner creates a Scanner that writes to dataDir/rag-docs.
func NewScanner(dataDir string, sourceDirs []string, logger zerolog.Logger) *Scanner {
	return &Scanner{
		SourceDirs: sourceDirs,
		OutputDir:  filepath.Join(dataDir, ChunksDir),
		Logger:     logger.With().Str("component", "rag-scanner").Logger(),
		now:        time.Now,
	}
}

type discovered struct {
	path string
	root string
}

func (s *Scanner) discover() []discovered {
	var files []discovered
	for _, root := range s.SourceDirs {
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			s.Logger.Debug().Str("dir", root).Msg("Source directory does not exist")
			continue
		}
		var found []string
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && supportedExtensions[strings.ToLower(filepath.Ext(path))] {
				found = append(found, path)
			}
			return nil
		})
		sort.Strings(found)
		for _, f := range found {
			files = append(files, discovered{path: f, root: root})
		}
	}
	return files
}

// ScanAndProcess chunks every supported file and writes the chunks file. It
// returns the number of files that produced chunks and the number of chunks.
func (s *Scanner) ScanAndProcess() (int, int, error) {
	if s.now == nil {
		s.now = time.Now
	}
	files := s.discover()
	s.Logger.Info().Int("files", len(files)).Int("dirs", len(s.SourceDirs)).Msg("Discovered documents")

	all := []Chunk{}
	processed := 0
	for _, f := range files {
		chunks, err := s.ChunkFile(f.path, f.root)
		if err != nil {
			s.Logger.Warn().Err(err).Str("file", f.path).Msg("Cannot chunk document")
			continue
		}
		if len(chunks) > 0 {
			all = append(all, chunks...)
			processed++
		}
	}

	if err := os.MkdirAll(s.OutputDir, 0o755); err != nil {
		return 0, 0, fmt.Errorf("create output dir: %w", err)
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return 0, 0, fmt.Errorf("encode chunks: %w", err)
	}
	out := filepath.Join(s.OutputDir, ChunksFile)
	tmp := out + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, 0, fmt.Errorf("write chunks: %w", err)
	}
	if err := os.Rename(tmp, out); err != nil {
		return 0, 0, fmt.Errorf("write chunks: %w", err)
	}

	s.Logger.Info().Int("chunks", len(all)).Int("files", processed).Str("path", out).Msg("Wrote document chunks")
	return processed, len(all), nil
}

type section struct {
	title   string
	content string
}

// ChunkFile splits one file into chunks according to its type.
func (s *Scanner) ChunkFile(path, root string) ([]Chunk, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = filepath.ToSlash(rel)

	ext := strings.ToLower(filepath.Ext(path))
	content := string(data)

	var sections []section
	switch ext {
	case ".md":
		sections = chunkMarkdown(content)
	case ".yml", ".yaml":
		sections = []section{{title: filepath.Base(path), content: strings.TrimSpace(content)}}
	default:
		sections = chunkParagraphs(content)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	docType := documentType(path)
	created := s.now()

	var chunks []Chunk
	for i, sec := range sections {
		body := strings.TrimSpace(sec.content)
		if len(body) < MinChunkLength {
			continue
		}
		title := sec.title
		if title == "" {
			title = stem
		}
		words := len(strings.Fields(body))
		chunks = append(chunks, Chunk{
			ID:         chunkID(rel, i, title),
			SourceFile: rel,
			Title:      title,
			Content:    body,
			ChunkType:  strings.TrimPrefix(ext, "."),
			Metadata: ChunkMetadata{
				SourceFile:   rel,
				DocumentType: docType,
				SectionIndex: i,
				WordCount:    words,
			},
			WordCount: words,
			CreatedAt: created,
		})
	}
	return chunks, nil
}

func documentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	switch ext {
	case ".md":
		if adrPattern.MatchString(stem) {
			return "adr"
		}
		return "markdown"
	case ".yml", ".yaml":
		return "config"
	case ".rst":
		return "documentation"
	case ".txt":
		return "text"
	default:
		return "unknown"
	}
}

// chunkMarkdown splits on header lines. Each section keeps its header line.
func chunkMarkdown(content string) []section {
	var (
		sections []section
		title    string
		lines    []string
	)
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, "#") {
			if len(lines) > 0 {
				sections = append(sections, section{title: title, content: strings.Join(lines, "\n")})
			}
			title = strings.TrimSpace(strings.TrimLeft(line, "#"))
			lines = []string{line}
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > 0 {
		sections = append(sections, section{title: title, content: strings.Join(lines, "\n")})
	}
	return sections
}

func chunkParagraphs(content string) []section {
	var sections []section
	for _, p := range paragraphPattern.Split(content, -1) {
		if p = strings.TrimSpace(p); p != "" {
			sections = append(sections, section{content: p})
		}
	}
	return sections
}

func chunkID(rel string, index int, title string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s_%d_%s", rel, index, title)))
	return hex.EncodeToString(sum[:16])
}
