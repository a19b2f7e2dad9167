// client — терминальный мессенджер-клиент: логин, список чатов, обмен
// сообщениями в реальном времени через STOMP/WebSocket.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/messenger-client/internal/chat"
	"github.com/messenger-client/internal/config"
	"github.com/messenger-client/internal/logger"
	"github.com/messenger-client/internal/model"
	"github.com/messenger-client/internal/rest"
	"github.com/messenger-client/internal/session"
	"github.com/messenger-client/internal/storage"
	memstore "github.com/messenger-client/internal/storage/memory"
	redisstore "github.com/messenger-client/internal/storage/redis"
	"github.com/messenger-client/internal/store"
	"github.com/messenger-client/internal/transport"
)

func main() {
	logger.SetPrefix("client")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Хранилище сессии: Redis, если задан, иначе память процесса.
	var sessStore storage.SessionStore
	if cfg.Redis.URL != "" {
		rc, err := redisstore.New(ctx, cfg.Redis.URL)
		if err != nil {
			logger.Errorf("redis недоступен, откат на память: %v", err)
			sessStore = memstore.New()
		} else {
			sessStore = rc
		}
	} else {
		sessStore = memstore.New()
	}
	defer sessStore.Close()

	api := rest.NewClient(cfg.APIBaseURL, cfg.HTTPTimeoutDuration())
	mgr := session.NewManager(api, sessStore, cfg.TokenRefreshWindow())
	api.SetTokenSource(mgr)

	if err := authenticate(ctx, mgr); err != nil {
		logger.Errorf("аутентификация: %v", err)
		os.Exit(1)
	}
	self := mgr.CurrentUser()
	fmt.Printf("Вы вошли как %s\n", self.DisplayName())

	dir := store.NewDirectory()
	ledger := store.NewLedger(cfg.TypingExpiry())

	conn := transport.New(transport.Options{
		URL:            cfg.WSURL,
		TokenFunc:      mgr.EnsureFreshToken,
		BaseDelay:      cfg.ReconnectBaseDelay(),
		MaxDelay:       cfg.ReconnectMaxDelay(),
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		WriteTimeout:   time.Duration(cfg.WSWriteTimeout) * time.Second,
		PongTimeout:    time.Duration(cfg.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.WSMaxMessageSize),
		SendBufSize:    cfg.WSSendBufferSize,
	})

	lookup := func(ctx context.Context, userID string) (*model.UserPublic, error) {
		users, err := api.SearchContacts(ctx, userID)
		if err != nil {
			return nil, err
		}
		for i := range users {
			if users[i].ID == userID {
				return &users[i], nil
			}
		}
		return nil, rest.ErrNotFound
	}

	ctrl := chat.NewController(dir, ledger, conn, api, lookup, self.ID, cfg.TypingStopDelay())
	defer ctrl.Close()

	conn.Connect(ctx)
	if err := ctrl.Bootstrap(ctx); err != nil {
		logger.Errorf("bootstrap: %v", err)
	}

	repl(ctx, ctrl, dir, ledger, api, mgr)
}

// authenticate восстанавливает сохранённую сессию либо спрашивает логин.
func authenticate(ctx context.Context, mgr *session.Manager) error {
	ok, err := mgr.Restore(ctx)
	if err != nil {
		logger.Infof("restore: %v", err)
	}
	if ok {
		return nil
	}
	in := bufio.NewReader(os.Stdin)
	for attempts := 0; attempts < 3; attempts++ {
		fmt.Print("Email: ")
		email, _ := in.ReadString('\n')
		fmt.Print("Пароль: ")
		password, _ := in.ReadString('\n')
		_, err = mgr.Login(ctx, strings.TrimSpace(email), strings.TrimSpace(password))
		if err == nil {
			return nil
		}
		if errors.Is(err, session.ErrInvalidCredentials) {
			fmt.Println("Неверный email или пароль.")
			continue
		}
		return err
	}
	return err
}

func repl(ctx context.Context, ctrl *chat.Controller, dir *store.Directory, ledger *store.Ledger, api *rest.Client, mgr *session.Manager) {
	fmt.Println("Команды: :chats  :open <N>  :with <имя>  :group <название> <id...>  :history  :pin  :mute  :pinmsg <N>  :unpinmsg <N>  :pinned  :logout  :quit")
	fmt.Println("Любой другой ввод отправляется сообщением в открытый чат.")
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
			continue
		case line == ":quit":
			fmt.Println("До встречи.")
			return
		case line == ":logout":
			mgr.Logout()
			fmt.Println("Сессия завершена.")
			return
		case line == ":chats":
			printChats(dir)
		case line == ":history":
			printHistory(dir, ledger)
		case strings.HasPrefix(line, ":open "):
			openByIndex(ctx, ctrl, dir, strings.TrimSpace(strings.TrimPrefix(line, ":open ")))
		case strings.HasPrefix(line, ":with "):
			startDraft(ctx, ctrl, api, strings.TrimSpace(strings.TrimPrefix(line, ":with ")))
		case strings.HasPrefix(line, ":group "):
			createGroup(ctx, ctrl, strings.TrimPrefix(line, ":group "))
		case line == ":pin":
			if active := dir.ActiveID(); active != "" {
				dir.TogglePin(active)
			}
		case line == ":mute":
			if active := dir.ActiveID(); active != "" {
				dir.ToggleMute(active)
			}
		case line == ":pinned":
			printPinned(dir, ledger)
		case strings.HasPrefix(line, ":pinmsg "):
			pinByIndex(ctx, ctrl, dir, ledger, strings.TrimSpace(strings.TrimPrefix(line, ":pinmsg ")), true)
		case strings.HasPrefix(line, ":unpinmsg "):
			pinByIndex(ctx, ctrl, dir, ledger, strings.TrimSpace(strings.TrimPrefix(line, ":unpinmsg ")), false)
		default:
			ctrl.StartTyping()
			if _, err := ctrl.Send(ctx, line, chat.SendOptions{}); err != nil {
				fmt.Printf("не отправлено: %v\n", err)
			}
		}
	}
}

func printChats(dir *store.Directory) {
	chats := dir.List()
	if len(chats) == 0 {
		fmt.Println("Чатов пока нет.")
		return
	}
	for i, c := range chats {
		marker := " "
		if c.ID == dir.ActiveID() {
			marker = "*"
		}
		unread := ""
		if c.UnreadCount > 0 {
			unread = fmt.Sprintf(" (%d)", c.UnreadCount)
		}
		pin := ""
		if c.Pinned {
			pin = " [pin]"
		}
		fmt.Printf("%s %2d. %s%s%s — %s\n", marker, i+1, c.Title, unread, pin, c.LastMessagePreview)
	}
}

func printHistory(dir *store.Directory, ledger *store.Ledger) {
	active := dir.ActiveID()
	if active == "" {
		fmt.Println("Сначала откройте чат (:open <N>).")
		return
	}
	for i, m := range ledger.MessagesFor(active) {
		state := ""
		switch m.DeliveryState {
		case model.DeliveryPending:
			state = " …"
		case model.DeliveryFailed:
			state = " !"
		}
		body := m.Body
		if m.Deleted {
			body = "[удалено]"
		}
		pinMark := ""
		if ledger.IsPinned(active, m.ID) {
			pinMark = " [закреплено]"
		}
		fmt.Printf("%3d. [%s] %s: %s%s%s\n", i+1, m.CreatedAt.Local().Format("15:04"), m.AuthorID, body, state, pinMark)
	}
	if typing := ledger.TypingUsers(active); len(typing) > 0 {
		fmt.Printf("печатает: %s\n", strings.Join(typing, ", "))
	}
}

func printPinned(dir *store.Directory, ledger *store.Ledger) {
	active := dir.ActiveID()
	if active == "" {
		fmt.Println("Сначала откройте чат (:open <N>).")
		return
	}
	pins := ledger.PinnedMessages(active)
	if len(pins) == 0 {
		fmt.Println("В этом чате нет закреплённых сообщений.")
		return
	}
	for _, p := range pins {
		body := "[нет в истории]"
		if m, ok := ledger.Get(p.MessageID); ok {
			body = m.Body
		}
		fmt.Printf("[закреплено %s] %s\n", p.PinnedAt.Local().Format("15:04"), body)
	}
}

// pinByIndex закрепляет или открепляет N-е сообщение истории активного чата.
func pinByIndex(ctx context.Context, ctrl *chat.Controller, dir *store.Directory, ledger *store.Ledger, arg string, pin bool) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Использование: :pinmsg <N> / :unpinmsg <N>")
		return
	}
	msgs := ledger.MessagesFor(dir.ActiveID())
	if n < 1 || n > len(msgs) {
		fmt.Printf("Нет сообщения с номером %d.\n", n)
		return
	}
	if pin {
		err = ctrl.PinMessage(ctx, msgs[n-1].ID)
	} else {
		err = ctrl.UnpinMessage(ctx, msgs[n-1].ID)
	}
	if err != nil {
		fmt.Printf("закрепление: %v\n", err)
	}
}

func openByIndex(ctx context.Context, ctrl *chat.Controller, dir *store.Directory, arg string) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		fmt.Println("Использование: :open <N>")
		return
	}
	chats := dir.List()
	if n < 1 || n > len(chats) {
		fmt.Printf("Нет чата с номером %d.\n", n)
		return
	}
	if err := ctrl.OpenConversation(ctx, chats[n-1].ID); err != nil {
		fmt.Printf("не открылось: %v\n", err)
		return
	}
	fmt.Printf("Открыт чат: %s\n", chats[n-1].Title)
}

func startDraft(ctx context.Context, ctrl *chat.Controller, api *rest.Client, query string) {
	users, err := api.SearchContacts(ctx, query)
	if err != nil {
		fmt.Printf("поиск: %v\n", err)
		return
	}
	if len(users) == 0 {
		fmt.Printf("Никого не найдено по %q.\n", query)
		return
	}
	id, err := ctrl.StartDraftWith(ctx, users[0])
	if err != nil {
		fmt.Printf("черновик: %v\n", err)
		return
	}
	fmt.Printf("Диалог с %s открыт (%s). Первое сообщение создаст чат.\n", users[0].DisplayName(), id)
}

func createGroup(ctx context.Context, ctrl *chat.Controller, args string) {
	parts := strings.Fields(args)
	if len(parts) < 3 {
		fmt.Println("Использование: :group <название> <id> <id> [...]")
		return
	}
	id, err := ctrl.CreateGroup(ctx, parts[0], parts[1:])
	if err != nil {
		fmt.Printf("группа: %v\n", err)
		return
	}
	fmt.Printf("Группа создана: %s\n", id)
}
