package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/llm"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

const (
	smartReplyHistory   = 8
	smartReplyMaxTokens = 150
	caseMaxTags         = 4
	intentFallback      = "OTRO"
)

// Intents are the categories a citizen message is classified into.
var Intents = []string{"TRAMITE", "EMERGENCIA", "IMPUESTOS", "SALUD", "QUEJA", "SALUDO", intentFallback}

const defaultAssistantPrompt = `Actúa como un asistente oficial de atención al ciudadano.
Tu tono debe ser profesional, empático, claro y en español neutro.
Nunca inventes trámites, fechas ni requisitos que no estén en la BASE DE CONOCIMIENTO.
Si no sabes la respuesta, sugiere amablemente que el ciudadano espere a un agente humano.`

const assistantRules = `
INSTRUCCIONES CLAVE:
1. Usa la BASE DE CONOCIMIENTO adjunta como verdad absoluta.
2. Sé breve (máximo 50-60 palabras) para facilitar la lectura en WhatsApp.
3. No saludes repetitivamente si el historial muestra que ya están hablando.`

// Assistant drafts replies and classifies conversations with an LLM. It is
// unavailable when no provider is configured. Provider failures never reach
// the caller: they produce empty results and are logged.
type Assistant struct {
	client        llm.Client
	model         string
	conversations *ConversationService
	citizens      *CitizenService
	kb            *KnowledgeBase
	settings      *SettingsService
	logger        *logger.Logger
}

// NewAssistant creates a new assistant. client may be nil.
func NewAssistant(
	client llm.Client,
	modelName string,
	conversations *ConversationService,
	citizens *CitizenService,
	kb *KnowledgeBase,
	settings *SettingsService,
	log *logger.Logger,
) *Assistant {
	return &Assistant{
		client:        client,
		model:         modelName,
		conversations: conversations,
		citizens:      citizens,
		kb:            kb,
		settings:      settings,
		logger:        log,
	}
}

// Available reports whether an LLM provider is configured.
func (a *Assistant) Available() bool {
	return a.client != nil
}

// SmartReply drafts the next operator reply from the recent transcript, the
// knowledge base and the citizen's notes.
func (a *Assistant) SmartReply(ctx context.Context, conversationID string) (*model.Suggestion, error) {
	if !a.Available() {
		return nil, ErrAssistantUnavailable
	}
	conv, err := a.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, _, err := a.conversations.Messages(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return &model.Suggestion{}, nil
	}
	if len(msgs) > smartReplyHistory {
		msgs = msgs[len(msgs)-smartReplyHistory:]
	}

	var articles []model.KnowledgeArticle
	if last := lastCitizenMessage(msgs); last != "" {
		if articles, err = a.kb.Search(ctx, last); err != nil {
			a.logger.Warn("knowledge base search failed", zap.Error(err))
		}
	}
	settings, err := a.settings.Get(ctx)
	if err != nil {
		return nil, err
	}

	citizenLine := conv.CitizenID
	if c, err := a.citizens.Get(ctx, conv.CitizenID); err == nil {
		citizenLine = c.Name
		if c.Notes != "" {
			citizenLine += "\nNOTAS DEL CIUDADANO: " + c.Notes
		}
	}

	system := settings.SystemPrompt
	if strings.TrimSpace(system) == "" {
		system = defaultAssistantPrompt
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "DATOS DEL CIUDADANO: %s\n\n", citizenLine)
	prompt.WriteString("=== BASE DE CONOCIMIENTO ===\n")
	if len(articles) == 0 {
		prompt.WriteString("Sin información adicional disponible.\n")
	}
	ids := make([]string, 0, len(articles))
	for _, art := range articles {
		fmt.Fprintf(&prompt, "- %s: %s\n", art.Title, art.Content)
		ids = append(ids, art.ID)
	}
	prompt.WriteString("\n=== HISTORIAL DE CONVERSACIÓN ===\n")
	prompt.WriteString(historyText(msgs))
	prompt.WriteString("\nGenera la siguiente respuesta sugerida para el Operador:")

	text := a.complete(ctx, "smart_reply", &llm.CompletionRequest{
		System:      system + "\n" + assistantRules,
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt.String()}},
		MaxTokens:   smartReplyMaxTokens,
		Temperature: 0.3,
	})
	if text == "" {
		return &model.Suggestion{}, nil
	}
	return &model.Suggestion{Text: text, Articles: ids}, nil
}

// DetectIntent classifies the last citizen message and stores the result on
// the conversation.
func (a *Assistant) DetectIntent(ctx context.Context, conversationID string) (string, error) {
	if !a.Available() {
		return "", ErrAssistantUnavailable
	}
	msgs, _, err := a.conversations.Messages(ctx, conversationID, true)
	if err != nil {
		return "", err
	}
	text := lastCitizenMessage(msgs)
	if text == "" {
		return intentFallback, nil
	}

	prompt := fmt.Sprintf("Analiza el mensaje de este ciudadano y clasifícalo en UNA sola categoría: %s.\n\nMensaje: %q\n\nRespuesta (solo la palabra):",
		strings.Join(Intents, ", "), text)
	intent := ParseIntent(a.complete(ctx, "intent", &llm.CompletionRequest{
		Messages:  []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens: 10,
	}))
	if err := a.conversations.SetIntent(ctx, conversationID, intent); err != nil {
		a.logger.WithConversation(conversationID).Warn("failed to store detected intent",
			zap.Error(err))
	}
	return intent, nil
}

// ParseIntent maps a model answer to a known intent by its first word.
func ParseIntent(answer string) string {
	words := strings.FieldsFunc(strings.ToUpper(answer), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(words) == 0 {
		return intentFallback
	}
	for _, intent := range Intents {
		if words[0] == intent {
			return intent
		}
	}
	return intentFallback
}

// AnalyzeCase summarises a conversation and tags it.
func (a *Assistant) AnalyzeCase(ctx context.Context, conversationID string) (*model.CaseAnalysis, error) {
	if !a.Available() {
		return nil, ErrAssistantUnavailable
	}
	conv, err := a.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msgs, _, err := a.conversations.Messages(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	empty := &model.CaseAnalysis{Tags: []string{}}
	if len(msgs) == 0 {
		return empty, nil
	}
	name := conv.CitizenID
	if c, err := a.citizens.Get(ctx, conv.CitizenID); err == nil && c.Name != "" {
		name = c.Name
	}

	prompt := fmt.Sprintf(`Analiza la siguiente conversación de atención al ciudadano y extrae información estructurada.

CIUDADANO: %s

=== CONVERSACIÓN ===
%s====================

TAREA:
1. Resumen: escribe un resumen conciso (máx 2 frases) sobre qué trató el caso y cómo terminó (o si quedó pendiente).
2. Etiquetas: identifica de 1 a 4 etiquetas clave (palabras cortas, mayúsculas) que clasifiquen el problema.

Responde ÚNICAMENTE con un objeto JSON válido con este formato:
{"summary": "texto del resumen...", "tags": ["TAG1", "TAG2"]}`, name, historyText(msgs))

	text := a.complete(ctx, "case_analysis", &llm.CompletionRequest{
		Messages:    []llm.ChatMessage{{Role: llm.RoleUser, Content: prompt}},
		MaxTokens:   400,
		Temperature: 0.1,
	})
	analysis, err := ParseCaseAnalysis(text)
	if err != nil {
		if text != "" {
			a.logger.Warn("unparseable case analysis", zap.String("conversation_id", conversationID), zap.Error(err))
		}
		return empty, nil
	}
	return analysis, nil
}

// ParseCaseAnalysis extracts the JSON object from a model answer.
func ParseCaseAnalysis(text string) (*model.CaseAnalysis, error) {
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in answer")
	}
	var out model.CaseAnalysis
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, err
	}
	tags := make([]string, 0, caseMaxTags)
	for _, t := range out.Tags {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && len(tags) < caseMaxTags {
			tags = append(tags, t)
		}
	}
	out.Tags = tags
	out.Summary = strings.TrimSpace(out.Summary)
	return &out, nil
}

// complete runs one completion and returns its trimmed text, or an empty
// string on failure.
func (a *Assistant) complete(ctx context.Context, task string, req *llm.CompletionRequest) string {
	ctx, span := tracer.Start(ctx, "assistant."+task)
	defer span.End()

	req.Model = a.model
	start := time.Now()
	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		metrics.RecordAI(a.client.Name(), task, "error", a.model, time.Since(start).Seconds(), 0, 0)
		a.logger.Error("assistant request failed",
			zap.String("provider", a.client.Name()),
			zap.String("task", task),
			zap.Error(err),
		)
		return ""
	}
	metrics.RecordAI(a.client.Name(), task, "success", resp.Model, time.Since(start).Seconds(), resp.TokensIn, resp.TokensOut)
	return strings.TrimSpace(resp.Content)
}

func lastCitizenMessage(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderType == model.SenderCitizen {
			return msgs[i].Content
		}
	}
	return ""
}

func historyText(msgs []model.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		who := "Ciudadano"
		switch m.SenderType {
		case model.SenderAgent:
			who = "Operador"
		case model.SenderBot:
			who = "Sistema"
		}
		fmt.Fprintf(&b, "[%s]: %s\n", who, m.Content)
	}
	return b.String()
}
