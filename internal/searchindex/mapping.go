package searchindex

import (
	"fmt"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/mapping"
)

// FormatVersion is the on-disk format version this package produces. A
// mismatch between this value and the version recorded in the Event Store's
// meta table (eventstore.ReadIndexVersion) triggers recovery (spec.md §4.5).
const FormatVersion = 1

// document is the bleve document shape for one indexable event. Only
// indexable events (those with body/topic/name text) get a document at all;
// events without indexable text are stored in the Event Store but never
// reach the Index (spec.md §4.3 AddEvent).
type document struct {
	RoomID    string `json:"room_id"`
	SenderID  string `json:"sender_id"`
	EventType string `json:"event_type"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

func buildMapping(language string) (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()

	analyzerName := analyzerForLanguage(language)
	if _, err := im.AnalyzerNamed(analyzerName); err != nil {
		return nil, fmt.Errorf("unsupported analyzer language %q: %w", language, err)
	}

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = analyzerName

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = "keyword"

	tsField := bleve.NewNumericFieldMapping()
	tsField.IncludeInAll = false

	eventMapping := bleve.NewDocumentMapping()
	eventMapping.AddFieldMappingsAt("room_id", keywordField)
	eventMapping.AddFieldMappingsAt("sender_id", keywordField)
	eventMapping.AddFieldMappingsAt("event_type", keywordField)
	eventMapping.AddFieldMappingsAt("text", textField)
	eventMapping.AddFieldMappingsAt("timestamp", tsField)

	im.AddDocumentMapping("event", eventMapping)
	im.DefaultMapping = eventMapping
	im.DefaultAnalyzer = en.AnalyzerName

	return im, nil
}

// analyzerForLanguage treats language as opaque beyond a small set of
// explicitly supported values, matching spec.md §9's "implementers should
// treat language as opaque and validated against the embedded analyzer
// library's supported set" open-question resolution: bleve's registry is
// that supported set, and an unrecognized value is a caller error rather
// than a silent fallback.
func analyzerForLanguage(language string) string {
	switch language {
	case "", "en", "english":
		return en.AnalyzerName
	default:
		return language
	}
}
