package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"wallet_chat/internal/config"
	"wallet_chat/internal/keystore"
	"wallet_chat/internal/model"
	"wallet_chat/internal/service/engine"
	"wallet_chat/internal/service/identity"
	"wallet_chat/internal/service/notify"
	"wallet_chat/internal/service/session"
	"wallet_chat/internal/transport"
	"wallet_chat/internal/utils/log"
	"wallet_chat/internal/wallet"
)

// Flag variables.
var (
	transportHost string
	dataDir       string
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

var cmd = &cobra.Command{
	Use:   "inbox",
	Short: "Terminal inbox for wallet-to-wallet chat.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir
		if dir == "" {
			var err error
			dir, err = config.ResolveDataDir()
			if err != nil {
				return err
			}
		}

		cfg, err := config.Load(dir)
		if err != nil {
			return err
		}
		if transportHost != "" {
			cfg.TransportHost = transportHost
		}

		// Logs go to a file so they do not clobber the screen.
		if err := redirectLogs(dir); err != nil {
			return err
		}

		w, err := wallet.LoadOrCreate(filepath.Join(dir, "wallet.json"))
		if err != nil {
			return err
		}

		resolver := identity.NewResolver(cfg.DirectoryScheme,
			identity.NewHTTPDirectory(cfg.DirectoryURL),
			identity.NewHTTPNameService(cfg.NameServiceURL))

		var dispatcher *notify.Dispatcher
		if cfg.NotifyURL != "" {
			dispatcher = notify.NewDispatcher(
				notify.NewHTTPCollaborator(cfg.NotifyURL), resolver, cfg.InboxURL)
		}

		sessions := session.NewManager(keystore.Open(dir),
			func(ctx context.Context, bundle *keystore.Bundle, address string) (string, transport.Client, error) {
				remote, err := transport.Connect(ctx, cfg.TransportHost, bundle, address)
				if err != nil {
					return "", nil, err
				}
				return remote.Identity(), remote, nil
			})

		eng := engine.New(sessions, resolver, dispatcher)
		if err := eng.Start(cmd.Context(), w); err != nil {
			return err
		}
		defer eng.Close()

		u := newUI(eng)
		return u.run()
	},
}

func init() {
	cmd.Flags().StringVarP(&transportHost, "host", "H", "",
		"Messaging backend host:port. Overrides the configured value.")
	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "",
		"Data directory holding the wallet, keystore and config.")
}

func redirectLogs(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{filepath.Join(dir, "inbox.log")}
	cfg.ErrorOutputPaths = cfg.OutputPaths
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	log.Replace(l)
	return nil
}

type (
	ui struct {
		app     *tview.Application
		inbox   *tview.List
		chatbox *tview.TextView
		input   *tview.InputField
		address *tview.InputField

		engine *engine.Engine

		mu       sync.Mutex
		openPeer string
		// cancelWatch stops the fan-out goroutine of the previously
		// open conversation before a new one starts.
		cancelWatch context.CancelFunc
	}
)

func newUI(eng *engine.Engine) *ui {
	return &ui{
		app:    tview.NewApplication(),
		engine: eng,
	}
}

// blocking function
func (u *ui) run() error {
	u.inbox = tview.NewList().ShowSecondaryText(true)
	u.inbox.SetBorder(true).SetTitle(" Inbox ")

	u.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	u.chatbox.SetBorder(true).SetTitle(" Messages ")

	u.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	u.input.SetBorder(true).SetTitle(" New Message ")

	u.address = tview.NewInputField().
		SetLabel("To: ").
		SetFieldWidth(0)
	u.address.SetBorder(true).SetTitle(" Start Conversation ")

	u.address.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		addr := u.address.GetText()
		if addr == "" {
			return
		}
		go u.openConversation(addr)
	})

	u.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := u.input.GetText()
		if text == "" {
			return
		}
		go u.sendMessage(text)
	})

	u.inbox.SetSelectedFunc(func(_ int, _, peer string, _ rune) {
		go u.openConversation(peer)
	})

	go u.watchInbox()

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(u.address, 3, 0, false).
		AddItem(u.inbox, 0, 1, true)

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(u.chatbox, 0, 1, false).
		AddItem(u.input, 3, 0, false)

	layout := tview.NewFlex().
		AddItem(left, 0, 1, true).
		AddItem(right, 0, 2, false)

	u.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab {
			switch {
			case u.address.HasFocus():
				u.app.SetFocus(u.inbox)
			case u.inbox.HasFocus():
				u.app.SetFocus(u.input)
			default:
				u.app.SetFocus(u.address)
			}
			return nil
		}
		return ev
	})

	u.refreshInbox()
	return u.app.SetRoot(layout, true).SetFocus(u.address).Run()
}

// watchInbox redraws the conversation list after every store mutation.
func (u *ui) watchInbox() {
	updates, cancel := u.engine.Subscribe()
	defer cancel()
	for range updates {
		u.app.QueueUpdateDraw(u.refreshInbox)
	}
}

// refreshInbox must run on the UI goroutine.
func (u *ui) refreshInbox() {
	convs := u.engine.Conversations()

	peers := make([]string, 0, len(convs))
	for _, c := range convs {
		peers = append(peers, c.PeerIdentity)
	}
	labels := u.engine.ResolveIdentities(context.Background(), peers)

	current := u.inbox.GetCurrentItem()
	u.inbox.Clear()
	for _, c := range convs {
		title := labels[c.PeerIdentity].DisplayLabel
		if c.HasUnread {
			title = "[red]●[-] " + title
		}
		u.inbox.AddItem(title, c.PeerIdentity, 0, nil)
	}
	if current < u.inbox.GetItemCount() {
		u.inbox.SetCurrentItem(current)
	}
}

func (u *ui) openConversation(peer string) {
	ctx := context.Background()
	buf, err := u.engine.OpenConversation(ctx, peer)
	if err != nil {
		u.reportError("open conversation failed", err)
		return
	}

	label := u.engine.ResolveIdentity(ctx, peer).DisplayLabel

	watchCtx, cancel := context.WithCancel(context.Background())
	u.mu.Lock()
	if u.cancelWatch != nil {
		u.cancelWatch()
	}
	u.openPeer = buf.PeerIdentity
	u.cancelWatch = cancel
	u.mu.Unlock()

	u.app.QueueUpdateDraw(func() {
		u.chatbox.Clear()
		u.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", label))
		u.renderMessages(buf)
		u.app.SetFocus(u.input)
	})

	go u.watchBuffer(watchCtx, buf)
}

func (u *ui) watchBuffer(ctx context.Context, buf *engine.Buffer) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-buf.Updates():
			u.app.QueueUpdateDraw(func() {
				u.chatbox.Clear()
				u.renderMessages(buf)
			})
		}
	}
}

// renderMessages must run on the UI goroutine.
func (u *ui) renderMessages(buf *engine.Buffer) {
	local := u.engine.LocalIdentity()
	labels := u.engine.ResolveIdentities(context.Background(), []string{buf.PeerIdentity})
	peerLabel := labels[buf.PeerIdentity].DisplayLabel

	for _, m := range buf.Messages() {
		when := m.SentAt.Local().Format("15:04")
		if m.SenderID == local {
			fmt.Fprintf(u.chatbox, "[yellow]%s You:[-] %s\n", when, m.Content.Preview())
		} else {
			fmt.Fprintf(u.chatbox, "[green]%s %s:[-] %s\n", when, peerLabel, m.Content.Preview())
		}
	}
	u.chatbox.ScrollToEnd()
}

func (u *ui) sendMessage(text string) {
	u.mu.Lock()
	peer := u.openPeer
	u.mu.Unlock()
	if peer == "" {
		return
	}

	_, err := u.engine.Send(context.Background(), peer, model.TextContent(text))
	if err != nil {
		u.reportError("send message failed", err)
		return
	}
	u.app.QueueUpdateDraw(func() {
		u.input.SetText("")
	})
}

func (u *ui) reportError(msg string, err error) {
	u.app.Suspend(func() {
		log.Error(msg, zap.Error(err))
	})
}
