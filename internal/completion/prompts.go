package completion

// Defaults used when a Request leaves a field empty.
const (
	DefaultModel       = "claude-3-sonnet-20240229"
	DefaultMaxTokens   = 1024
	DefaultTemperature = 0.7

	TitleMaxTokens   = 50
	TitleTemperature = 0.5
)

// SystemPrompt frames every chat completion.
const SystemPrompt = "Sei MycoManager, assistente AI per coltivatori di funghi gourmet e medicinali. " +
	"Rispondi sempre in italiano, con stile chiaro, pratico e tecnico. " +
	"Puoi usare formattazione (grassetto, liste, paragrafi, emoji) come faresti normalmente. " +
	"Se mancano dettagli importanti, chiedi chiarimenti mirati. " +
	"Adatta le risposte al contesto del coltivatore (setup, obiettivi, esperienza) se disponibili dai messaggi precedenti."

// TitleSystemPrompt asks the model for a bare conversation title.
const TitleSystemPrompt = "Sei un assistente che genera titoli sintetici per conversazioni AI. " +
	"Rispondi SEMPRE solo con il titolo, senza spiegazioni aggiuntive. " +
	"Il titolo deve essere breve (massimo 6-7 parole), chiaro e descrivere il tema principale della conversazione. " +
	"Usa uno stile simile ai titoli che vedresti in una chat AI (es: 'Vendita funghi ai ristoranti', 'Ottimizzazione LC', 'Contaminazioni da Trichoderma')."

// TitlePromptPrefix precedes the seed message in a title request.
const TitlePromptPrefix = "Genera un titolo per una conversazione basata su questo messaggio iniziale dell'utente:\n\n"

// User-visible assistant replies substituted for a failed completion.
const (
	fallbackHTTPFormat = "Errore AI (status %d)."
	fallbackMalformed  = "Risposta AI non valida."
	fallbackNetwork    = "Errore di rete nella chiamata al modello AI."
)
