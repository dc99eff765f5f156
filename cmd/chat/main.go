package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"mycomanager-backend/internal/app"
	"mycomanager-backend/internal/auth"
	"mycomanager-backend/internal/config"
	"mycomanager-backend/internal/crypto"
	"mycomanager-backend/internal/logging"
	"mycomanager-backend/internal/models"
	"mycomanager-backend/internal/onboarding"
	"mycomanager-backend/internal/services"
	"mycomanager-backend/internal/session"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/term"
)

var (
	modelName   = flag.String("model", "", "Model to use; empty selects the server default")
	sessionFile = flag.String("session", defaultSessionFile(), "Where the encrypted session is kept")
	logLevel    = flag.String("log-level", "warn", "Log level written to stderr")
)

var (
	boldGreen  = color.New(color.FgGreen, color.Bold).SprintFunc()
	boldCyan   = color.New(color.FgCyan, color.Bold).SprintFunc()
	boldYellow = color.New(color.FgYellow, color.Bold).SprintFunc()
	red        = color.New(color.FgRed).SprintFunc()
	faint      = color.New(color.Faint).SprintFunc()
)

var errQuit = errors.New("quit")

func main() {
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nShutting down...")
		cancel()
		os.Exit(0)
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(false, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	cli := &client{
		app:    application,
		in:     bufio.NewScanner(os.Stdin),
		model:  *modelName,
		saved:  newSavedSession(*sessionFile, cfg.EncryptionKey, logger),
		logger: logger,
	}

	fmt.Println(boldGreen("🍄 MycoManager"))
	if err := cli.run(ctx); err != nil && !errors.Is(err, errQuit) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	app    *app.App
	in     *bufio.Scanner
	model  string
	saved  *savedSession
	logger *zap.Logger

	mu         sync.Mutex
	lastFailed uuid.UUID
	lastHeader string
}

func (c *client) run(ctx context.Context) error {
	for {
		live, token, err := c.authenticate(ctx)
		if err != nil {
			return err
		}
		if live.NeedsOnboarding() {
			if err := c.onboard(ctx, live); err != nil {
				return err
			}
		}
		err = c.chat(ctx, live, token)
		if !errors.Is(err, errLoggedOut) {
			return err
		}
	}
}

func (c *client) prompt(label string) (string, error) {
	fmt.Print(label)
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", err
		}
		return "", errQuit
	}
	return strings.TrimSpace(c.in.Text()), nil
}

// readSecret reads a line without echo when fd is a terminal and falls
// back to the line scanner otherwise, e.g. for piped input.
func (c *client) readSecret(fd int, label string) (string, error) {
	if !term.IsTerminal(fd) {
		return c.prompt(label)
	}
	fmt.Print(label)
	secret, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(string(secret)), nil
}

// authenticate restores the saved session or asks for credentials.
func (c *client) authenticate(ctx context.Context) (*services.Live, string, error) {
	if token, ok := c.saved.Load(); ok {
		user, err := c.app.Provider.GetUser(ctx, token)
		if err == nil {
			live, err := c.app.Sessions.Session(ctx, *user, token)
			if err == nil {
				fmt.Printf("Welcome back, %s\n", boldCyan(user.Email))
				return live, token, nil
			}
			c.logger.Warn("failed to reopen saved session", zap.Error(err))
		}
		c.saved.Clear()
	}

	for {
		choice, err := c.prompt("(l)ogin or (s)ignup? ")
		if err != nil {
			return nil, "", err
		}
		email, err := c.prompt("Email: ")
		if err != nil {
			return nil, "", err
		}
		password, err := c.readSecret(int(os.Stdin.Fd()), "Password: ")
		if err != nil {
			return nil, "", err
		}

		var sess *auth.Session
		var live *services.Live
		if strings.HasPrefix(strings.ToLower(choice), "s") {
			sess, live, err = c.app.Sessions.SignUp(ctx, email, password)
			if err == nil && live == nil {
				fmt.Println("Check your inbox to confirm the address, then log in.")
				continue
			}
		} else {
			sess, live, err = c.app.Sessions.SignIn(ctx, email, password)
		}
		if err != nil {
			fmt.Println(red(describeAuthError(err)))
			continue
		}
		c.saved.Store(sess.AccessToken)
		return live, sess.AccessToken, nil
	}
}

func describeAuthError(err error) string {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return authErr.Message
	}
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return "Wrong email or password."
	case errors.Is(err, auth.ErrUserAlreadyExists):
		return "An account with this email already exists."
	case errors.Is(err, auth.ErrValidation):
		return "Enter a valid email and a password."
	}
	return fmt.Sprintf("Error: %v", err)
}

// onboard asks the profile questions in order and saves the answers.
func (c *client) onboard(ctx context.Context, live *services.Live) error {
	flow := onboarding.NewFlow()
	for !flow.Done() {
		q, _ := flow.Current()
		fmt.Println(boldCyan("Assistente: ") + q.Text)
		answer, err := c.prompt(boldGreen("Tu: "))
		if err != nil {
			return err
		}
		if err := flow.Answer(answer); err != nil {
			fmt.Println(red("Scrivi una risposta per continuare."))
		}
	}
	if _, err := c.app.Sessions.SaveProfile(ctx, live, flow.Answers()); err != nil {
		return err
	}
	fmt.Println(boldCyan("Assistente: ") + onboarding.ClosingMessage)
	fmt.Println()
	return nil
}

var errLoggedOut = errors.New("logged out")

func (c *client) chat(ctx context.Context, live *services.Live, token string) error {
	updates, stop := live.Updates.Listen()
	defer stop()
	go func() {
		for u := range updates {
			c.present(u)
		}
	}()

	fmt.Println("Type a message and press Enter. Commands: /new /list /open N /clear /retry /model NAME /logout /quit")
	if conv, ok := live.Session.Current(); ok {
		c.printHeader(session.Header{Emoji: conv.DisplayEmoji(), Title: conv.DisplayTitle()})
		if msgs, err := live.Session.Messages(ctx, conv.ID); err == nil {
			c.printMessages(msgs)
		}
	}

	for {
		line, err := c.prompt(boldGreen("Tu: "))
		if err != nil {
			return err
		}
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if err := c.command(ctx, live, token, line); err != nil {
				return err
			}
			continue
		}
		res, err := live.Session.SendMessage(ctx, line, c.model)
		c.report(res, err)
	}
}

func (c *client) command(ctx context.Context, live *services.Live, token, line string) error {
	fields := strings.Fields(line)
	sess := live.Session
	switch fields[0] {
	case "/quit", "/exit":
		return errQuit
	case "/logout":
		if err := c.app.Sessions.SignOut(ctx, token); err != nil {
			fmt.Println(faint("The provider did not confirm the logout; local data was cleared anyway."))
		}
		c.saved.Clear()
		return errLoggedOut
	case "/new":
		if _, err := sess.NewChat(ctx); err != nil {
			fmt.Println(red(err.Error()))
		}
	case "/list":
		current, _ := sess.Current()
		convs := sess.Conversations()
		if len(convs) == 0 {
			fmt.Println(faint("No conversations yet."))
		}
		for i, conv := range convs {
			marker := " "
			if conv.ID == current.ID {
				marker = "*"
			}
			fmt.Printf("%s %2d. %s %s\n", marker, i+1, conv.DisplayEmoji(), conv.DisplayTitle())
		}
	case "/open":
		convs := sess.Conversations()
		n, err := strconv.Atoi(argument(fields))
		if err != nil || n < 1 || n > len(convs) {
			fmt.Println(red("Usage: /open N, with N from /list"))
			return nil
		}
		if err := sess.Select(ctx, convs[n-1].ID); err != nil {
			fmt.Println(red(err.Error()))
		}
	case "/clear":
		answer, err := c.prompt("Delete every conversation? (y/N) ")
		if err != nil {
			return err
		}
		if strings.ToLower(answer) != "y" {
			return nil
		}
		n, err := sess.ClearHistory(ctx)
		if err != nil {
			fmt.Println(red(err.Error()))
			return nil
		}
		fmt.Printf("Deleted %d conversations.\n", n)
	case "/retry":
		c.mu.Lock()
		id := c.lastFailed
		c.mu.Unlock()
		if id == uuid.Nil {
			fmt.Println(faint("Nothing to retry."))
			return nil
		}
		res, err := sess.RetryFailed(ctx, id, c.model)
		if err == nil {
			c.mu.Lock()
			c.lastFailed = uuid.Nil
			c.mu.Unlock()
		}
		c.report(res, err)
	case "/model":
		c.model = argument(fields)
		if c.model == "" {
			fmt.Println("Using the default model.")
		} else {
			fmt.Printf("Using model %s\n", boldCyan(c.model))
		}
	default:
		fmt.Println(red("Unknown command " + fields[0]))
	}
	return nil
}

func argument(fields []string) string {
	if len(fields) < 2 {
		return ""
	}
	return fields[1]
}

func (c *client) report(res *session.SendResult, err error) {
	switch {
	case errors.Is(err, session.ErrSendInFlight):
		fmt.Println(faint("Still waiting for the previous answer."))
	case err != nil:
		fmt.Println(red(err.Error()))
	case res.CompletionErr != nil:
		fmt.Println(faint("The assistant is unreachable right now."))
	}
}

// present renders updates pushed by the session.
// The user's own pending messages are already on screen as typed input.
func (c *client) present(u session.Update) {
	switch u.Kind {
	case session.UpdateHeader:
		if u.Header != nil {
			c.printHeader(*u.Header)
		}
	case session.UpdateMessages:
		c.printMessages(u.Messages)
	case session.UpdateMessageAppended:
		if u.Message == nil {
			return
		}
		if u.Message.Role == models.RoleUser && u.Message.Status == models.StatusPending {
			return
		}
		c.printMessage(*u.Message)
	case session.UpdateMessageChanged:
		if u.Message != nil && u.Message.Status == models.StatusFailed {
			c.markFailed(*u.Message)
		}
	case session.UpdateSending:
		if u.Sending {
			fmt.Println(faint("..."))
		}
	}
}

func (c *client) printHeader(h session.Header) {
	line := h.Emoji + " " + h.Title
	c.mu.Lock()
	changed := line != c.lastHeader
	c.lastHeader = line
	c.mu.Unlock()
	if changed {
		fmt.Println(boldYellow("── " + line + " ──"))
	}
}

func (c *client) printMessages(msgs []models.Message) {
	for _, m := range msgs {
		c.printMessage(m)
	}
}

func (c *client) printMessage(m models.Message) {
	if m.Status == models.StatusFailed {
		c.markFailed(m)
	}
	if m.Role == models.RoleAssistant {
		fmt.Println(boldCyan("Assistente: ") + m.Content)
		fmt.Println()
		return
	}
	fmt.Println(boldGreen("Tu: ") + m.Content)
}

func (c *client) markFailed(m models.Message) {
	c.mu.Lock()
	c.lastFailed = m.ID
	c.mu.Unlock()
	fmt.Println(red("⚠ A message could not be saved. Type /retry to try again."))
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".mycomanager-session"
	}
	return filepath.Join(dir, "mycomanager", "session")
}

// savedSession keeps the access token between runs, sealed with
// ENCRYPTION_KEY. Without a key nothing is written.
type savedSession struct {
	path   string
	box    *crypto.Box
	logger *zap.Logger
}

type sessionFileContents struct {
	AccessToken string `json:"access_token"`
}

func newSavedSession(path string, key []byte, logger *zap.Logger) *savedSession {
	s := &savedSession{path: path, logger: logger}
	if len(key) == 0 {
		return s
	}
	box, err := crypto.NewBox(key)
	if err != nil {
		logger.Warn("session will not be saved", zap.Error(err))
		return s
	}
	s.box = box
	return s
}

func (s *savedSession) Load() (string, bool) {
	if s.box == nil {
		return "", false
	}
	sealed, err := os.ReadFile(s.path)
	if err != nil {
		return "", false
	}
	plain, err := s.box.Open(sealed)
	if err != nil {
		s.logger.Warn("failed to decrypt saved session", zap.Error(err))
		return "", false
	}
	var contents sessionFileContents
	if err := json.Unmarshal(plain, &contents); err != nil || contents.AccessToken == "" {
		return "", false
	}
	return contents.AccessToken, true
}

func (s *savedSession) Store(token string) {
	if s.box == nil {
		return
	}
	plain, err := json.Marshal(sessionFileContents{AccessToken: token})
	if err != nil {
		return
	}
	sealed, err := s.box.Seal(plain)
	if err != nil {
		s.logger.Warn("failed to encrypt session", zap.Error(err))
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		s.logger.Warn("failed to save session", zap.Error(err))
		return
	}
	if err := os.WriteFile(s.path, sealed, 0o600); err != nil {
		s.logger.Warn("failed to save session", zap.Error(err))
	}
}

func (s *savedSession) Clear() {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("failed to remove saved session", zap.Error(err))
	}
}
