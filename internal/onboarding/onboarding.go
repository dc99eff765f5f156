// Package onboarding runs the grower questionnaire that builds a user's profile.
package onboarding

import (
	"errors"
	"strings"

	"mycomanager-backend/internal/models"
)

var (
	ErrEmptyAnswer = errors.New("answer is empty")
	ErrFinished    = errors.New("questionnaire already completed")
)

// Question is one step; ID is the profile field it fills.
type Question struct {
	ID   string
	Text string
}

var questions = []Question{
	{
		ID:   "esperienza",
		Text: "Ciao, sono il tuo assistente MycoManager. Per iniziare: che livello di esperienza hai con la coltivazione di funghi (es: principiante, intermedio, avanzato)?",
	},
	{
		ID:   "obiettivi",
		Text: "Perfetto. Quali sono i tuoi obiettivi principali? (es: ottimizzare resa, standardizzare workflow, sviluppare nuove ricette, ecc.)",
	},
	{
		ID:   "setup",
		Text: "Raccontami brevemente il tuo setup attuale: che tipo di attrezzatura e ambienti di coltivazione utilizzi?",
	},
	{
		ID:   "problemi",
		Text: "Ci sono problemi ricorrenti che vuoi assolutamente risolvere (contaminazioni, resa bassa, gestione tempi, ecc.)?",
	},
}

// ClosingMessage is shown once the profile has been saved.
const ClosingMessage = "Grazie, ho salvato il tuo profilo coltivatore. Da ora adatterò le risposte al tuo contesto.\n\nPuoi iniziare una nuova consulenza dalla dashboard."

// Questions returns the questionnaire in order.
func Questions() []Question {
	return append([]Question(nil), questions...)
}

// Flow walks the questionnaire one answer at a time. It is not safe for
// concurrent use.
type Flow struct {
	step    int
	answers models.ProfileAnswers
}

func NewFlow() *Flow {
	return &Flow{}
}

// Current returns the question awaiting an answer.
func (f *Flow) Current() (Question, bool) {
	if f.Done() {
		return Question{}, false
	}
	return questions[f.step], true
}

// Answer records text for the current question and advances.
func (f *Flow) Answer(text string) error {
	if f.Done() {
		return ErrFinished
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyAnswer
	}
	switch questions[f.step].ID {
	case "esperienza":
		f.answers.Esperienza = text
	case "obiettivi":
		f.answers.Obiettivi = text
	case "setup":
		f.answers.Setup = text
	case "problemi":
		f.answers.Problemi = text
	}
	f.step++
	return nil
}

func (f *Flow) Done() bool {
	return f.step >= len(questions)
}

// Answers returns what has been collected so far.
func (f *Flow) Answers() models.ProfileAnswers {
	return f.answers
}

// Complete reports whether every question has an answer.
func Complete(a models.ProfileAnswers) bool {
	return strings.TrimSpace(a.Esperienza) != "" &&
		strings.TrimSpace(a.Obiettivi) != "" &&
		strings.TrimSpace(a.Setup) != "" &&
		strings.TrimSpace(a.Problemi) != ""
}
