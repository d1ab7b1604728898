// Package webadmin is a web API for the server administrator.
//
// The API is a sherpa API, served under /admin/api/ on the admin HTTP
// listener. Calls require HTTP basic authentication with the admin password,
// the username is ignored.
package webadmin

import (
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sherpa"
	"github.com/mjl-/sherpadoc"
	"github.com/mjl-/sherpaprom"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/metrics"
	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/queue"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/stellarvar"
	"github.com/dragonrelay/stellarmail/store"
)

var pkglog = mlog.New("webadmin", nil)

// APIPath is where the sherpa API is served.
const APIPath = "/admin/api/"

// AnnouncementPrefix is prepended to the subject of announcements.
const AnnouncementPrefix = "[ANNOUNCEMENT]: "

//go:embed adminapi.json
var adminapiJSON []byte

// AdminAPIJSON returns the sherpadoc description of the API, for generating
// clients.
func AdminAPIJSON() []byte {
	return adminapiJSON
}

var adminDoc = mustParseAPI("admin", adminapiJSON)

var adminSherpaHandler http.Handler

func mustParseAPI(api string, buf []byte) (doc sherpadoc.Section) {
	err := json.Unmarshal(buf, &doc)
	if err != nil {
		pkglog.Fatalx("parsing api docs", err, slog.String("api", api))
	}
	return doc
}

func init() {
	collector, err := sherpaprom.NewCollector("stellaradmin", nil)
	if err != nil {
		pkglog.Fatalx("creating sherpa prometheus collector", err)
	}

	adminSherpaHandler, err = sherpa.NewHandler(APIPath, stellarvar.Version, Admin{}, &adminDoc, &sherpa.HandlerOpts{Collector: collector, AdjustFunctionNames: "none"})
	if err != nil {
		pkglog.Fatalx("sherpa handler", err)
	}
}

// Outbox lists the messages waiting for delivery, typically a *queue.Queue.
type Outbox interface {
	List() []queue.Msg
}

// Kicker disconnects the sessions of a user, typically a *mailserver.Server.
type Kicker interface {
	Kick(user string) int
}

// Services are what the API functions operate on. Set with Setup before
// serving.
type Services struct {
	Store      *store.Store
	Outbox     Outbox
	Sessions   Kicker
	ServerName string
	DomainRoot dns.Domain

	// File with bcrypt hash of the admin password. Without it, all requests
	// are refused.
	PasswordFile string
}

var services struct {
	sync.Mutex
	Services
}

// Setup sets the services for the API functions.
func Setup(s Services) {
	services.Lock()
	defer services.Unlock()
	services.Services = s
}

func svc() Services {
	services.Lock()
	defer services.Unlock()
	return services.Services
}

// Admin exports web API functions for the admin web interface. All its methods are
// exported under /admin/api/. Function calls require valid HTTP Authentication
// credentials of a user.
type Admin struct{}

// We keep a cache for authentication so we don't bcrypt for each incoming HTTP request with HTTP basic auth.
// We keep track of the last successful password hash and Authorization header.
// The cache is cleared periodically, see below.
var authCache struct {
	sync.Mutex
	lastSuccessHash, lastSuccessAuth string
}

// ManageAuthCache clears the authentication cache periodically, until ctx is
// done. Started when serving.
func ManageAuthCache(ctx context.Context) {
	for {
		authCache.Lock()
		authCache.lastSuccessHash = ""
		authCache.lastSuccessAuth = ""
		authCache.Unlock()
		if stellar.Sleep(ctx, 15*time.Minute) {
			return
		}
	}
}

// check whether authentication from the config (passwordfile with bcrypt hash)
// matches the authorization header. we don't care about any username.
// on (auth) failure, a http response is sent and false returned.
func checkAdminAuth(ctx context.Context, passwordfile string, w http.ResponseWriter, r *http.Request) bool {
	log := pkglog.WithContext(ctx)

	respondAuthFail := func() bool {
		// note: browsers don't display the realm to prevent users getting confused by malicious realm messages.
		w.Header().Set("WWW-Authenticate", `Basic realm="stellarmail admin - login with empty username and admin password"`)
		http.Error(w, "http 401 - unauthorized - stellarmail admin - login with empty username and admin password", http.StatusUnauthorized)
		return false
	}

	authResult := "error"
	defer func() {
		metrics.AuthenticationInc("webadmin", authResult)
	}()

	var remoteIP net.IP
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		remoteIP = net.ParseIP(host)
	}

	authHdr := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHdr, "Basic ") || passwordfile == "" {
		return respondAuthFail()
	}
	buf, err := os.ReadFile(passwordfile)
	if err != nil {
		log.Errorx("reading admin password file", err, slog.String("path", passwordfile))
		return respondAuthFail()
	}
	passwordhash := strings.TrimSpace(string(buf))
	authCache.Lock()
	defer authCache.Unlock()
	if passwordhash != "" && passwordhash == authCache.lastSuccessHash && authCache.lastSuccessAuth == authHdr {
		authResult = "ok"
		return true
	}
	auth, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHdr, "Basic "))
	if err != nil {
		return respondAuthFail()
	}
	t := strings.SplitN(string(auth), ":", 2)
	if len(t) != 2 || len(t[1]) < 8 {
		authResult = "badcreds"
		log.Info("failed authentication attempt", slog.String("username", "admin"), slog.Any("remote", remoteIP))
		return respondAuthFail()
	}
	if err := bcrypt.CompareHashAndPassword([]byte(passwordhash), []byte(t[1])); err != nil {
		authResult = "badcreds"
		log.Info("failed authentication attempt", slog.String("username", "admin"), slog.Any("remote", remoteIP))
		return respondAuthFail()
	}
	authCache.lastSuccessHash = passwordhash
	authCache.lastSuccessAuth = authHdr
	authResult = "ok"
	return true
}

// Handle serves the admin API, after checking authentication.
func Handle(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithValue(r.Context(), mlog.CidKey, stellar.Cid())
	if !checkAdminAuth(ctx, svc().PasswordFile, w, r) {
		// Response already sent.
		return
	}
	adminSherpaHandler.ServeHTTP(w, r.WithContext(ctx))
}

func xcheckf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	// Errors caused by the parameters are the callers problem.
	for _, uerr := range []error{store.ErrNotFound, store.ErrAlreadyExists, store.ErrInvalidName, store.ErrReserved} {
		if errors.Is(err, uerr) {
			xcheckuserf(ctx, err, format, args...)
		}
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Errorx(msg, err)
	panic(&sherpa.Error{Code: "server:error", Message: errmsg})
}

func xcheckuserf(ctx context.Context, err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	errmsg := fmt.Sprintf("%s: %s", msg, err)
	pkglog.WithContext(ctx).Infox(msg, err)
	panic(&sherpa.Error{Code: "user:error", Message: errmsg})
}

func xusername(ctx context.Context, name string) string {
	n, err := address.NormalizeUsername(name)
	xcheckuserf(ctx, err, "parsing username")
	return n
}

func xdomain(ctx context.Context, s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckuserf(ctx, err, "parsing domain")
	return d
}

// ServerStatus summarizes the state of the server.
type ServerStatus struct {
	ServerName     string
	DomainRoot     string
	Version        string
	Users          int
	BannedUsers    int
	Outbox         int // Messages waiting for delivery, including the one being delivered.
	BlockedDomains int
}

// ServerStatus returns user and queue counts and the server identity.
func (Admin) ServerStatus(ctx context.Context) ServerStatus {
	s := svc()
	users, err := s.Store.Users(ctx)
	xcheckf(ctx, err, "listing users")
	blocked, err := s.Store.BlockedDomains(ctx)
	xcheckf(ctx, err, "listing blocked domains")

	st := ServerStatus{
		ServerName:     s.ServerName,
		DomainRoot:     s.DomainRoot.Name(),
		Version:        stellarvar.Version,
		Users:          len(users),
		BlockedDomains: len(blocked),
	}
	for _, u := range users {
		if u.Banned {
			st.BannedUsers++
		}
	}
	if s.Outbox != nil {
		st.Outbox = len(s.Outbox.List())
	}
	return st
}

// User is a local user.
type User struct {
	Name    string
	Address string
	Banned  bool
	Admin   bool
	Created time.Time
}

func user(u store.User, domain dns.Domain) User {
	return User{
		Name:    u.Name,
		Address: address.Address{Localpart: u.Name, Domain: domain}.String(),
		Banned:  u.Banned,
		Admin:   u.Admin,
		Created: u.Created,
	}
}

// UserList returns all users, sorted by name.
func (Admin) UserList(ctx context.Context) []User {
	s := svc()
	l, err := s.Store.Users(ctx)
	xcheckf(ctx, err, "listing users")
	r := make([]User, len(l))
	for i, u := range l {
		r[i] = user(u, s.DomainRoot)
	}
	sort.Slice(r, func(i, j int) bool {
		return r[i].Name < r[j].Name
	})
	return r
}

// Folder of a user, with its message count.
type Folder struct {
	ID          string
	DisplayName string
	Reserved    bool
	Messages    int
	Unread      int
}

// UserDetails is a user with its folders.
type UserDetails struct {
	User    User
	Folders []Folder
}

// UserInfo returns a user and its folders.
func (Admin) UserInfo(ctx context.Context, name string) UserDetails {
	s := svc()
	name = xusername(ctx, name)
	u, err := s.Store.User(ctx, name)
	xcheckf(ctx, err, "looking up user")
	folders, err := s.Store.ListFolders(ctx, name)
	xcheckf(ctx, err, "listing folders")

	d := UserDetails{User: user(u, s.DomainRoot), Folders: []Folder{}}
	for _, f := range folders {
		xf := Folder{ID: f.ID, DisplayName: f.DisplayName, Reserved: f.Reserved}
		err := s.Store.ListMessages(ctx, name, f.ID, func(m store.Summary) error {
			xf.Messages++
			if !m.Read {
				xf.Unread++
			}
			return nil
		})
		xcheckf(ctx, err, "listing messages")
		d.Folders = append(d.Folders, xf)
	}
	return d
}

// UserCreate adds a new user with the reserved folders. The name is
// normalized, the normalized name is returned.
func (Admin) UserCreate(ctx context.Context, name, password string) string {
	name = xusername(ctx, name)
	if password == "" {
		xcheckuserf(ctx, errors.New("empty password"), "checking password")
	}
	_, err := svc().Store.CreateUser(ctx, name, password)
	xcheckf(ctx, err, "creating user")
	pkglog.WithContext(ctx).Info("user created through admin", slog.String("username", name))
	return name
}

// UserRemove removes a user with all its messages, disconnecting its sessions.
// The name becomes available for registration.
func (Admin) UserRemove(ctx context.Context, name string) {
	s := svc()
	name = xusername(ctx, name)
	err := s.Store.RemoveUser(ctx, name)
	xcheckf(ctx, err, "removing user")
	kick(ctx, s, name)
	pkglog.WithContext(ctx).Info("user removed through admin", slog.String("username", name))
}

// UserReset removes all messages and non-reserved folders of a user, and
// clears its banned and admin flags. The password is kept.
func (Admin) UserReset(ctx context.Context, name string) {
	s := svc()
	name = xusername(ctx, name)
	err := s.Store.ResetUser(ctx, name)
	xcheckf(ctx, err, "resetting user")
	kick(ctx, s, name)
	pkglog.WithContext(ctx).Info("user reset through admin", slog.String("username", name))
}

func kick(ctx context.Context, s Services, name string) int {
	if s.Sessions == nil {
		return 0
	}
	n := s.Sessions.Kick(name)
	if n > 0 {
		pkglog.WithContext(ctx).Info("disconnected sessions", slog.String("username", name), slog.Int("sessions", n))
	}
	return n
}

// UserBan prevents a user from logging in and disconnects its sessions. The
// number of disconnected sessions is returned. Relayed messages for the user are
// still accepted.
func (Admin) UserBan(ctx context.Context, name string) int {
	s := svc()
	name = xusername(ctx, name)
	err := s.Store.SetBanned(ctx, name, true)
	xcheckf(ctx, err, "banning user")
	return kick(ctx, s, name)
}

// UserUnban allows a banned user to log in again.
func (Admin) UserUnban(ctx context.Context, name string) {
	name = xusername(ctx, name)
	err := svc().Store.SetBanned(ctx, name, false)
	xcheckf(ctx, err, "unbanning user")
}

// UserAdmin sets or clears the admin flag of a user.
func (Admin) UserAdmin(ctx context.Context, name string, admin bool) {
	name = xusername(ctx, name)
	err := svc().Store.SetAdmin(ctx, name, admin)
	xcheckf(ctx, err, "setting admin flag")
}

// UserPassword sets a new password for a user. Sessions are not interrupted, new
// logins must use the new password.
func (Admin) UserPassword(ctx context.Context, name, password string) {
	name = xusername(ctx, name)
	if password == "" {
		xcheckuserf(ctx, errors.New("empty password"), "checking password")
	}
	err := svc().Store.SetPassword(ctx, name, password)
	xcheckf(ctx, err, "setting password")
}

// Announcement delivers a message from the postmaster to the inbox of every
// local user. The subject is prefixed with "[ANNOUNCEMENT]: ". The number of
// users that received the announcement is returned.
func (Admin) Announcement(ctx context.Context, subject, body string) int {
	s := svc()
	names, err := s.Store.UserNames(ctx)
	xcheckf(ctx, err, "listing users")

	from := address.Address{Localpart: "postmaster", Domain: s.DomainRoot}.String()
	now := time.Now()
	var n int
	for _, name := range names {
		m := store.Message{
			To:      address.Address{Localpart: name, Domain: s.DomainRoot}.String(),
			From:    from,
			Subject: AnnouncementPrefix + subject,
			Body:    body,
			SentAt:  now,
		}
		_, err := s.Store.AppendMessage(ctx, name, store.Inbox, m)
		if errors.Is(err, store.ErrUnknownUser) {
			// Removed while we were busy.
			continue
		}
		xcheckf(ctx, err, "delivering announcement to %s", name)
		n++
	}
	pkglog.WithContext(ctx).Info("announcement delivered", slog.String("subject", subject), slog.Int("users", n))
	return n
}

// DomainBlock drops relayed messages from senders in domain from now on.
func (Admin) DomainBlock(ctx context.Context, domain string) {
	err := svc().Store.BlockDomain(ctx, xdomain(ctx, domain))
	xcheckf(ctx, err, "blocking domain")
}

// DomainUnblock accepts relayed messages from domain again.
func (Admin) DomainUnblock(ctx context.Context, domain string) {
	err := svc().Store.UnblockDomain(ctx, xdomain(ctx, domain))
	xcheckf(ctx, err, "unblocking domain")
}

// DomainsBlocked returns the blocked sender domains.
func (Admin) DomainsBlocked(ctx context.Context) []string {
	l, err := svc().Store.BlockedDomains(ctx)
	xcheckf(ctx, err, "listing blocked domains")
	if l == nil {
		l = []string{}
	}
	return l
}

// WelcomeMessage returns the welcome message sent to new connections, markdown.
// Empty if the welcome message from the config file is used.
func (Admin) WelcomeMessage(ctx context.Context) string {
	msg, err := svc().Store.WelcomeMessage(ctx)
	xcheckf(ctx, err, "get welcome message")
	return msg
}

// WelcomeMessageSet replaces the welcome message, markdown. It is shown to
// connections made from now on. An empty message reverts to the welcome message
// from the config file.
func (Admin) WelcomeMessageSet(ctx context.Context, msg string) {
	err := svc().Store.SetWelcomeMessage(ctx, msg)
	xcheckf(ctx, err, "set welcome message")
}

// QueueMsg is a message waiting for delivery.
type QueueMsg struct {
	ID      int64
	Sender  string
	From    string
	To      string
	Subject string
	Queued  time.Time
	State   string // queued, awaiting-discovery, delivering
}

// QueueList returns the messages in the outbox, in delivery order.
func (Admin) QueueList(ctx context.Context) []QueueMsg {
	l := []QueueMsg{}
	o := svc().Outbox
	if o == nil {
		return l
	}
	for _, m := range o.List() {
		l = append(l, QueueMsg{
			ID:      m.ID,
			Sender:  m.Sender,
			From:    m.From.String(),
			To:      m.To.String(),
			Subject: m.Subject,
			Queued:  m.Queued,
			State:   string(m.State),
		})
	}
	return l
}

// Reconcile compares the folder indexes of all users with their files on disk,
// removing files left behind by interrupted operations.
func (Admin) Reconcile(ctx context.Context) []store.Reconciliation {
	l, err := svc().Store.ReconcileAll(ctx)
	xcheckf(ctx, err, "reconciling accounts")
	if l == nil {
		l = []store.Reconciliation{}
	}
	return l
}
