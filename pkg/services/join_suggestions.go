package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pipeflow-io/pipeflow-engine/pkg/llm"
	"github.com/pipeflow-io/pipeflow-engine/pkg/metadata"
	"github.com/pipeflow-io/pipeflow-engine/pkg/models"
	"github.com/pipeflow-io/pipeflow-engine/pkg/repositories"
	"github.com/pipeflow-io/pipeflow-engine/pkg/store"
)

// JoinSuggestionService discovers likely join keys between the tables of a
// data source. Results are cached per schema hash; the cache invalidates
// itself when the synced schema changes.
type JoinSuggestionService interface {
	// Suggest returns join suggestions for the source, computing and caching
	// them if the schema changed since the last run.
	Suggest(ctx context.Context, dataSourceID uuid.UUID) ([]*models.JoinSuggestion, error)
}

type joinSuggestionService struct {
	tables repositories.TableMetadataRepository
	cache  repositories.JoinSuggestionRepository
	store  store.Store
	chat   llm.ChatClient // nil means heuristics only
	logger *zap.Logger
}

// NewJoinSuggestionService creates a new JoinSuggestionService. chat may be
// nil, in which case only name-based heuristics are used.
func NewJoinSuggestionService(
	tables repositories.TableMetadataRepository,
	cache repositories.JoinSuggestionRepository,
	s store.Store,
	chat llm.ChatClient,
	logger *zap.Logger,
) JoinSuggestionService {
	return &joinSuggestionService{
		tables: tables,
		cache:  cache,
		store:  s,
		chat:   chat,
		logger: logger.Named("joins"),
	}
}

var _ JoinSuggestionService = (*joinSuggestionService)(nil)

// tableSchema pairs a logical table name with its live column list.
type tableSchema struct {
	Logical string
	Columns []string
}

func (s *joinSuggestionService) Suggest(ctx context.Context, dataSourceID uuid.UUID) ([]*models.JoinSuggestion, error) {
	metas, err := s.tables.ListBySource(ctx, dataSourceID)
	if err != nil {
		return nil, err
	}
	if len(metas) < 2 {
		return nil, nil
	}

	schemas := make([]tableSchema, 0, len(metas))
	for _, m := range metas {
		cols, err := s.store.ListColumns(ctx, m.SchemaName, m.PhysicalName)
		if err != nil {
			return nil, err
		}
		names := make([]string, len(cols))
		for i, c := range cols {
			names[i] = c.Name
		}
		schemas = append(schemas, tableSchema{Logical: m.LogicalName, Columns: names})
	}

	hash := schemaHash(schemas)
	cached, err := s.cache.ListForHash(ctx, dataSourceID, hash)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}

	suggestions := heuristicJoins(dataSourceID, hash, schemas)
	if s.chat != nil {
		suggestions = s.refineWithLLM(ctx, dataSourceID, hash, schemas, suggestions)
	}

	if err := s.cache.ReplaceForSource(ctx, dataSourceID, suggestions); err != nil {
		return nil, err
	}

	s.logger.Info("join suggestions computed",
		zap.String("datasource_id", dataSourceID.String()),
		zap.Int("tables", len(schemas)),
		zap.Int("suggestions", len(suggestions)))
	return suggestions, nil
}

// schemaHash fingerprints the source's table/column shape. Sorted input keeps
// the hash independent of listing order.
func schemaHash(schemas []tableSchema) string {
	lines := make([]string, 0, len(schemas))
	for _, t := range schemas {
		cols := append([]string(nil), t.Columns...)
		sort.Strings(cols)
		lines = append(lines, t.Logical+":"+strings.Join(cols, ","))
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])
}

// heuristicJoins matches foreign-key-style column names against table entity
// names. user_id in orders pointing at a users table with an id column scores
// high; bare column name equality on _id suffixes scores lower.
func heuristicJoins(dataSourceID uuid.UUID, hash string, schemas []tableSchema) []*models.JoinSuggestion {
	// The cache keeps one row per ordered (left, right) table pair, so when
	// multiple rules hit the same pair only the highest-confidence suggestion
	// is kept.
	index := make(map[string]int)
	var out []*models.JoinSuggestion
	add := func(sg *models.JoinSuggestion) {
		key := sg.LeftTable + "\x00" + sg.RightTable
		if at, ok := index[key]; ok {
			if sg.ConfidenceScore > out[at].ConfidenceScore {
				out[at] = sg
			}
			return
		}
		index[key] = len(out)
		out = append(out, sg)
	}

	for i, left := range schemas {
		for j, right := range schemas {
			if i == j {
				continue
			}

			entity := metadata.EntityName(right.Logical)
			fkColumn := entity + "_id"

			for _, lc := range left.Columns {
				if lc == fkColumn && contains(right.Columns, "id") {
					add(&models.JoinSuggestion{
						DataSourceID:    dataSourceID,
						SchemaHash:      hash,
						LeftTable:       left.Logical,
						RightTable:      right.Logical,
						LeftColumn:      lc,
						RightColumn:     "id",
						ConfidenceScore: 0.9,
						Reasoning:       fmt.Sprintf("%s.%s looks like a foreign key to %s.id", left.Logical, lc, right.Logical),
					})
					continue
				}
				// Same-named _id columns across tables, excluding bare "id"
				// which collides everywhere.
				if i < j && lc != "id" && strings.HasSuffix(lc, "_id") && contains(right.Columns, lc) {
					add(&models.JoinSuggestion{
						DataSourceID:    dataSourceID,
						SchemaHash:      hash,
						LeftTable:       left.Logical,
						RightTable:      right.Logical,
						LeftColumn:      lc,
						RightColumn:     lc,
						ConfidenceScore: 0.6,
						Reasoning:       fmt.Sprintf("both tables carry a %s column", lc),
					})
				}
			}
		}
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

const joinSystemPrompt = "You are a data engineer reviewing candidate joins between synced tables. " +
	"Respond with a JSON array only, no prose. Each element: " +
	`{"left_table":"","right_table":"","left_column":"","right_column":"","confidence":0.0,"reasoning":""}`

// llmJoin is the shape the model is asked to respond with.
type llmJoin struct {
	LeftTable   string  `json:"left_table"`
	RightTable  string  `json:"right_table"`
	LeftColumn  string  `json:"left_column"`
	RightColumn string  `json:"right_column"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

// refineWithLLM asks the chat model for additional joins the heuristics
// missed. LLM failures degrade to the heuristic set; they never fail the call.
func (s *joinSuggestionService) refineWithLLM(ctx context.Context, dsID uuid.UUID, hash string, schemas []tableSchema, heuristic []*models.JoinSuggestion) []*models.JoinSuggestion {
	var b strings.Builder
	b.WriteString("Tables:\n")
	for _, t := range schemas {
		fmt.Fprintf(&b, "- %s(%s)\n", t.Logical, strings.Join(t.Columns, ", "))
	}
	b.WriteString("\nAlready identified:\n")
	for _, sg := range heuristic {
		fmt.Fprintf(&b, "- %s.%s = %s.%s\n", sg.LeftTable, sg.LeftColumn, sg.RightTable, sg.RightColumn)
	}
	b.WriteString("\nList additional plausible joins not in the identified set.")

	response, err := s.chat.Complete(ctx, joinSystemPrompt, b.String())
	if err != nil {
		s.logger.Warn("llm join refinement failed, using heuristics only", zap.Error(err))
		return heuristic
	}

	var extra []llmJoin
	if err := json.Unmarshal([]byte(extractJSONArray(response)), &extra); err != nil {
		s.logger.Warn("unparseable llm join response", zap.Error(err))
		return heuristic
	}

	// Pair-keyed like heuristicJoins; the cache cannot hold two rows for the
	// same ordered table pair.
	known := make(map[string]bool, len(heuristic))
	for _, sg := range heuristic {
		known[sg.LeftTable+"\x00"+sg.RightTable] = true
	}

	out := heuristic
	for _, e := range extra {
		key := e.LeftTable + "\x00" + e.RightTable
		if known[key] || !validLLMJoin(e, schemas) {
			continue
		}
		known[key] = true
		confidence := e.Confidence
		if confidence <= 0 || confidence > 1 {
			confidence = 0.5
		}
		out = append(out, &models.JoinSuggestion{
			DataSourceID:    dsID,
			SchemaHash:      hash,
			LeftTable:       e.LeftTable,
			RightTable:      e.RightTable,
			LeftColumn:      e.LeftColumn,
			RightColumn:     e.RightColumn,
			ConfidenceScore: confidence,
			Reasoning:       e.Reasoning,
		})
	}
	return out
}

// validLLMJoin rejects hallucinated tables or columns before caching.
func validLLMJoin(e llmJoin, schemas []tableSchema) bool {
	var left, right *tableSchema
	for i := range schemas {
		if schemas[i].Logical == e.LeftTable {
			left = &schemas[i]
		}
		if schemas[i].Logical == e.RightTable {
			right = &schemas[i]
		}
	}
	if left == nil || right == nil || e.LeftTable == e.RightTable {
		return false
	}
	return contains(left.Columns, e.LeftColumn) && contains(right.Columns, e.RightColumn)
}

// extractJSONArray tolerates models wrapping their JSON in prose or fences.
func extractJSONArray(s string) string {
	start := strings.Index(s, "[")
	end := strings.LastIndex(s, "]")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
