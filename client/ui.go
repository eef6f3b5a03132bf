package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jroimartin/gocui"

	"relaydm/common"
)

// ChatApp is a terminal front end over the sync engine: one prompt for the
// counterpart's public key, then a single-conversation chat view fed by
// engine snapshots.
type ChatApp struct {
	gui    *gocui.Gui
	engine *Engine

	recipientID string
	protocol    common.Protocol

	messageLock sync.Mutex
	lines       []string
}

// NewChatApp initializes a new ChatApp
func NewChatApp(engine *Engine) *ChatApp {
	return &ChatApp{engine: engine, protocol: common.ProtocolPrivate}
}

// InitGui initializes the gocui screen
func (app *ChatApp) InitGui() error {
	g, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return fmt.Errorf("failed to initialize gocui: %w", err)
	}
	app.gui = g
	g.SetManagerFunc(app.layout)

	return nil
}

// Run starts the snapshot consumer and blocks in the gocui main loop.
func (app *ChatApp) Run() error {
	go app.consumeSnapshots()

	if err := app.PromptRecipientID(); err != nil {
		return err
	}
	if err := app.gui.MainLoop(); err != nil && !errors.Is(err, gocui.ErrQuit) {
		return err
	}
	return nil
}

// PromptRecipientID prompts for the recipient's public key and sets the chat
// layout
func (app *ChatApp) PromptRecipientID() error {
	return app.gui.SetKeybinding("prompt", gocui.KeyEnter, gocui.ModNone, func(g *gocui.Gui, v *gocui.View) error {
		app.recipientID = strings.TrimSpace(v.Buffer())
		if app.recipientID == "" {
			return nil
		}
		g.DeleteView("prompt")
		g.SetManagerFunc(app.layout)
		g.SetCurrentView("input")

		if err := app.gui.SetKeybinding("input", gocui.KeyEnter, gocui.ModNone, app.SendMessageHandler); err != nil {
			logger.Fatalf("Error setting keybinding for input: %v", err)
		}

		app.renderSnapshot(app.engine.Snapshot())
		return nil
	})
}

// consumeSnapshots redraws the chat view whenever the engine publishes a new
// snapshot.
func (app *ChatApp) consumeSnapshots() {
	for snap := range app.engine.Updates() {
		app.renderSnapshot(snap)
	}
}

func (app *ChatApp) renderSnapshot(snap Snapshot) {
	app.messageLock.Lock()
	app.lines = app.lines[:0]
	if snap.Phase != PhaseReady {
		app.lines = append(app.lines, fmt.Sprintf("-- syncing (%s) --", snap.Phase))
	}
	if snap.Scan.QueryLimitReached {
		app.lines = append(app.lines, "-- older history was truncated; not all past messages are shown --")
	}
	for _, n := range snap.Notices {
		app.lines = append(app.lines, "-- notice: "+n.Message+" --")
	}
	conv := app.currentConversation(snap)
	if conv != nil {
		for i := range conv.Messages {
			app.lines = append(app.lines, app.formatMessage(&conv.Messages[i]))
		}
	}
	app.messageLock.Unlock()

	if app.gui != nil {
		app.gui.Update(func(g *gocui.Gui) error {
			return app.UpdateMessages(g)
		})
	}
}

func (app *ChatApp) currentConversation(snap Snapshot) *common.Conversation {
	if app.recipientID == "" {
		return nil
	}
	id := common.ConversationID(app.engine.PubKey(), app.recipientID)
	for i := range snap.Conversations {
		if snap.Conversations[i].ID == id {
			return &snap.Conversations[i]
		}
	}
	return nil
}

func (app *ChatApp) formatMessage(msg *common.Message) string {
	who := "[Other]"
	if msg.SenderPubkey == app.engine.PubKey() {
		who = "[You]"
	}
	body := msg.Content
	if msg.DecryptError != "" {
		body = "<message could not be decrypted>"
	}
	if msg.Pending {
		return fmt.Sprintf("%s %s (sending...)", who, body)
	}
	return fmt.Sprintf("%s %s", who, body)
}

// UpdateMessages updates the message view
func (app *ChatApp) UpdateMessages(g *gocui.Gui) error {
	v, err := g.View("messages")
	if err != nil {
		return err
	}
	v.Clear()
	app.messageLock.Lock()
	defer app.messageLock.Unlock()
	for _, line := range app.lines {
		fmt.Fprintln(v, line)
	}
	return nil
}

// SendMessageHandler handles sending messages on Enter press
func (app *ChatApp) SendMessageHandler(g *gocui.Gui, v *gocui.View) error {
	message := strings.TrimSpace(v.Buffer())
	if message != "" {
		err := app.engine.SendMessage(context.Background(), []string{app.recipientID}, message, app.protocol, nil)
		if err != nil {
			logger.Errorf("Error sending message: %v", err)
			app.messageLock.Lock()
			app.lines = append(app.lines, "-- send failed: "+err.Error()+" --")
			app.messageLock.Unlock()
		}
		v.Clear()
		v.SetCursor(0, 0)
		app.UpdateMessages(g)
	}
	return nil
}

// Layout function for the UI
func (app *ChatApp) layout(g *gocui.Gui) error {
	maxX, maxY := g.Size()

	if app.recipientID == "" {
		if v, err := g.SetView("prompt", maxX/4, maxY/4, 3*maxX/4, maxY/2); err != nil {
			if !errors.Is(err, gocui.ErrUnknownView) {
				return err
			}
			v.Title = "Enter recipient public key"
			v.Editable = true
			v.Wrap = true
			g.SetCurrentView("prompt")
		}
		return nil
	}

	if v, err := g.SetView("messages", 0, 0, maxX-1, maxY-5); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Chat with " + app.recipientID
		v.Autoscroll = true
		v.Wrap = true
		app.UpdateMessages(g)
	}

	if v, err := g.SetView("input", 0, maxY-4, maxX-1, maxY-2); err != nil {
		if !errors.Is(err, gocui.ErrUnknownView) {
			return err
		}
		v.Title = "Type a message"
		v.Editable = true
		v.Wrap = true
		g.SetCurrentView("input")
	}

	if err := g.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, app.quit); err != nil {
		return err
	}

	return nil
}

// quit handles quitting the application
func (app *ChatApp) quit(g *gocui.Gui, v *gocui.View) error {
	logger.Info("Shutting down gracefully...")
	return gocui.ErrQuit
}
