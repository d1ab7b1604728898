package main

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/mjl-/sconf"
	"github.com/mjl-/sherpats"
	"rsc.io/qr"

	"github.com/dragonrelay/stellarmail/address"
	"github.com/dragonrelay/stellarmail/config"
	"github.com/dragonrelay/stellarmail/discovery"
	"github.com/dragonrelay/stellarmail/dns"
	"github.com/dragonrelay/stellarmail/store"
	"github.com/dragonrelay/stellarmail/webadmin"
)

const offlineNote = `
The store is opened directly, stellarmail must not be running. While serving,
use the admin API instead.
`

func cmdConfigDescribe(c *cmd) {
	c.params = ">stellarmail.conf"
	c.help = `Prints an annotated empty configuration for use as stellarmail.conf.

The configuration file cannot be reloaded while stellarmail is running.
Stellarmail has to be restarted for changes to take effect.

This configuration file needs modifications to make it valid. For example, it
may contain unfinished list items.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	var sc config.Static
	err := sconf.Describe(os.Stdout, &sc)
	xcheckf(err, "describing config")
}

func cmdSetadminpassword(c *cmd) {
	c.help = `Set a new admin password, for the admin API.

The password is read from stdin. Its bcrypt hash is stored in the file
configured as AdminHTTP PasswordFile.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	conf := mustLoadConfig()

	path := conf.AdminPasswordPath()
	if path == "" {
		log.Fatal("no admin password file configured")
	}

	pw, err := store.NormalizePassword(xreadpassword())
	xcheckf(err, `checking password with "precis" requirements`)
	hash, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	xcheckf(err, "generating hash for password")
	err = os.WriteFile(path, hash, 0660)
	xcheckf(err, "writing hash to admin password file")
}

// xopenstore loads the config and opens the store of the data directory. The
// caller must close the store.
func xopenstore(c *cmd) *store.Store {
	conf := mustLoadConfig()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := store.Open(ctx, c.log, conf.DataDirPath("."))
	xcheckf(err, "open store (is stellarmail running?)")
	return st
}

func xusername(s string) string {
	name, err := address.NormalizeUsername(s)
	xcheckf(err, "user name")
	return name
}

func cmdUserList(c *cmd) {
	c.help = "List users, with their flags." + "\n" + offlineNote
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	users, err := st.Users(context.Background())
	xcheckf(err, "listing users")
	for _, u := range users {
		var flags string
		if u.Banned {
			flags += " banned"
		}
		if u.Admin {
			flags += " admin"
		}
		fmt.Printf("%s\t%s%s\n", u.Name, u.Created.Format(time.RFC3339), flags)
	}
}

func cmdUserAdd(c *cmd) {
	c.params = "name"
	c.help = `Add a user with the reserved folders.

The name is normalized to lower case a-z, 0-9 and dot. The password is read from
stdin.
` + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	name := xusername(args[0])
	st := xopenstore(c)
	defer st.Close()

	_, err := st.CreateUser(context.Background(), name, xreadpassword())
	xcheckf(err, "adding user")
	fmt.Printf("user %s added\n", name)
}

func cmdUserRemove(c *cmd) {
	c.params = "name"
	c.help = "Remove a user with all folders and messages. This cannot be undone." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	err := st.RemoveUser(context.Background(), xusername(args[0]))
	xcheckf(err, "removing user")
}

func cmdUserReset(c *cmd) {
	c.params = "name"
	c.help = `Remove all folders and messages of a user, and clear the banned and admin flags.

The password is kept.
` + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	err := st.ResetUser(context.Background(), xusername(args[0]))
	xcheckf(err, "resetting user")
}

func cmdUserBan(c *cmd) {
	c.params = "name"
	c.help = "Ban a user, refusing further logins." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	err := st.SetBanned(context.Background(), xusername(args[0]), true)
	xcheckf(err, "banning user")
}

func cmdUserUnban(c *cmd) {
	c.params = "name"
	c.help = "Lift the ban of a user." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	err := st.SetBanned(context.Background(), xusername(args[0]), false)
	xcheckf(err, "unbanning user")
}

func cmdUserSetpassword(c *cmd) {
	c.params = "name"
	c.help = "Set a new password for a user, read from stdin." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	name := xusername(args[0])
	st := xopenstore(c)
	defer st.Close()

	err := st.SetPassword(context.Background(), name, xreadpassword())
	xcheckf(err, "setting password")
}

func cmdUserFolders(c *cmd) {
	c.params = "name"
	c.help = "List the folders of a user with their message counts." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	name := xusername(args[0])
	st := xopenstore(c)
	defer st.Close()

	ctx := context.Background()
	folders, err := st.ListFolders(ctx, name)
	xcheckf(err, "listing folders")
	for _, f := range folders {
		var n int
		err := st.ListMessages(ctx, name, f.ID, func(store.Summary) error {
			n++
			return nil
		})
		xcheckf(err, "listing messages in %s", f.ID)
		fmt.Printf("%s\t%s\t%d\n", f.ID, f.DisplayName, n)
	}
}

func cmdUserClientconfig(c *cmd) {
	c.params = "name"
	c.help = `Print the settings for a client of a user, with a QR code for mobile clients.

The QR code encodes a stellarmail URL with the host, port and whether TLS is
used. No password is included.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	name := xusername(args[0])
	conf := mustLoadConfig()
	sc := conf.Static

	port := sc.Ports.Plain
	tls := sc.TLS != nil
	if tls {
		port = sc.Ports.TLS
	}
	u := url.URL{
		Scheme:   "stellarmail",
		User:     url.User(name),
		Host:     net.JoinHostPort(sc.DomainRootDomain.ASCII, strconv.Itoa(port)),
		RawQuery: url.Values{"tls": []string{strconv.FormatBool(tls)}}.Encode(),
	}
	fmt.Printf("address: %s@%s\n", name, sc.DomainRootDomain.Name())
	fmt.Printf("host: %s\nport: %d\ntls: %v\n\n", sc.DomainRootDomain.ASCII, port, tls)

	code, err := qr.Encode(u.String(), qr.M)
	xcheckf(err, "making qr code")
	fmt.Print(qrText(code))
	fmt.Println(u.String())
}

// qrText renders code with unicode half blocks, two modules per character
// line, with a quiet zone of two modules.
func qrText(code *qr.Code) string {
	const quiet = 2
	black := func(x, y int) bool {
		x -= quiet
		y -= quiet
		return x >= 0 && y >= 0 && x < code.Size && y < code.Size && code.Black(x, y)
	}
	n := code.Size + 2*quiet
	var b strings.Builder
	for y := 0; y < n; y += 2 {
		for x := 0; x < n; x++ {
			top, bottom := black(x, y), black(x, y+1)
			switch {
			case top && bottom:
				b.WriteString("█")
			case top:
				b.WriteString("▀")
			case bottom:
				b.WriteString("▄")
			default:
				b.WriteString(" ")
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

func cmdBlocklistList(c *cmd) {
	c.help = "List domains from which relayed messages are silently dropped." + "\n" + offlineNote
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	l, err := st.BlockedDomains(context.Background())
	xcheckf(err, "listing blocked domains")
	for _, d := range l {
		fmt.Println(d)
	}
}

func xparsedomain(s string) dns.Domain {
	d, err := dns.ParseDomain(s)
	xcheckf(err, "parsing domain")
	return d
}

func cmdBlocklistAdd(c *cmd) {
	c.params = "domain"
	c.help = "Add a domain to the blocklist." + "\n" + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d := xparsedomain(args[0])
	st := xopenstore(c)
	defer st.Close()

	err := st.BlockDomain(context.Background(), d)
	xcheckf(err, "blocking domain")
}

func cmdBlocklistRemove(c *cmd) {
	c.params = "domain"
	c.help = `Remove a domain from the blocklist.

Domains listed in BlockedDomains in the config file are added again at startup.
` + offlineNote
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	d := xparsedomain(args[0])
	st := xopenstore(c)
	defer st.Close()

	err := st.UnblockDomain(context.Background(), d)
	xcheckf(err, "unblocking domain")
}

func cmdReconcile(c *cmd) {
	c.help = `Compare folder indexes with the message files of all users.

Message files and folder directories not in an index are removed. Index entries
without message file are reported but kept. This also happens at startup.
` + offlineNote
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	st := xopenstore(c)
	defer st.Close()

	l, err := st.ReconcileAll(context.Background())
	xcheckf(err, "reconciling")
	for _, r := range l {
		fmt.Printf("%s\torphanfiles %d\torphandirs %d\tdanglingrefs %d\n", r.User, r.OrphanFiles, r.OrphanDirs, r.DanglingRefs)
	}
}

func cmdDiscoveryAsk(c *cmd) {
	c.params = "host"
	c.help = `Send a discovery request to a server and print its answer.

Useful to check whether a peer is reachable and whether it requires encryption.
`
	var port int
	var timeout time.Duration
	c.flag.IntVar(&port, "port", config.DefaultDiscoveryPort, "discovery port of the server")
	c.flag.DurationVar(&timeout, "timeout", config.DefaultDiscoveryTimeout, "how long to wait for an answer")
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	info, err := discovery.Ask(ctx, c.log, args[0], port)
	xcheckf(err, "discovery")
	fmt.Printf("server name: %s\n", info.ServerName)
	fmt.Printf("requires encryption: %s\n", strconv.FormatBool(info.RequiresEncryption))
}

func cmdAdminTS(c *cmd) {
	c.params = ">adminapi.ts"
	c.help = `Print a TypeScript client for the admin API.

The client is generated from the API description embedded in this binary.
`
	if len(c.Parse()) != 0 {
		c.Usage()
	}

	opts := sherpats.Options{
		SlicesNullable:   true,
		MapsNullable:     true,
		NullableOptional: true,
		BytesToString:    true,
	}
	err := sherpats.Generate(bytes.NewReader(webadmin.AdminAPIJSON()), os.Stdout, "api", opts)
	xcheckf(err, "generating typescript client")
}
