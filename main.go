package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/joho/godotenv"

	"github.com/dragonrelay/stellarmail/mlog"
	"github.com/dragonrelay/stellarmail/stellar-"
	"github.com/dragonrelay/stellarmail/stellarvar"
)

func envString(k, def string) string {
	s := os.Getenv(k)
	if s == "" {
		return def
	}
	return s
}

var commands = []struct {
	cmd string
	fn  func(c *cmd)
}{
	{"serve", cmdServe},
	{"setadminpassword", cmdSetadminpassword},
	{"help", cmdHelp},
	{"version", cmdVersion},

	{"config test", cmdConfigTest},
	{"config describe", cmdConfigDescribe},

	{"user list", cmdUserList},
	{"user add", cmdUserAdd},
	{"user rm", cmdUserRemove},
	{"user reset", cmdUserReset},
	{"user ban", cmdUserBan},
	{"user unban", cmdUserUnban},
	{"user setpassword", cmdUserSetpassword},
	{"user folders", cmdUserFolders},
	{"user clientconfig", cmdUserClientconfig},

	{"blocklist list", cmdBlocklistList},
	{"blocklist add", cmdBlocklistAdd},
	{"blocklist rm", cmdBlocklistRemove},

	{"reconcile", cmdReconcile},
	{"discovery ask", cmdDiscoveryAsk},
	{"admin ts", cmdAdminTS},

	// Not listed.
	{"helpall", cmdHelpall},
}

var cmds []cmd

func init() {
	for _, xc := range commands {
		c := cmd{words: strings.Split(xc.cmd, " "), fn: xc.fn}
		cmds = append(cmds, c)
	}
}

type cmd struct {
	words []string
	fn    func(c *cmd)

	// Set before calling command.
	flag     *flag.FlagSet
	flagArgs []string
	_gather  bool // Set when using Parse to gather usage for a command.

	// Set by invoked command or Parse.
	unlisted bool   // If set, command is not listed until at least some words are matched from command.
	params   string // Arguments to command. Multiple lines possible.
	help     string // Additional explanation. First line is synopsis, the rest is only printed for an explicit help/usage for that command.
	args     []string

	log mlog.Log
}

func (c *cmd) Parse() []string {
	// To gather params and usage information, we just run the command but cause this
	// panic after the command has registered its flags and set its params and help
	// information. This is then caught and that info printed.
	if c._gather {
		panic("gather")
	}

	c.flag.Usage = c.Usage
	c.flag.Parse(c.flagArgs)
	c.args = c.flag.Args()
	return c.args
}

func (c *cmd) gather() {
	c.flag = flag.NewFlagSet("stellarmail "+strings.Join(c.words, " "), flag.ExitOnError)
	c._gather = true
	defer func() {
		x := recover()
		// panic generated by Parse.
		if x != "gather" {
			panic(x)
		}
	}()
	c.fn(c)
}

func (c *cmd) makeUsage() string {
	var r strings.Builder
	cs := "stellarmail " + strings.Join(c.words, " ")
	for i, line := range strings.Split(strings.TrimSpace(c.params), "\n") {
		s := ""
		if i == 0 {
			s = "usage:"
		}
		if line != "" {
			line = " " + line
		}
		fmt.Fprintf(&r, "%6s %s%s\n", s, cs, line)
	}
	c.flag.SetOutput(&r)
	c.flag.PrintDefaults()
	return r.String()
}

func (c *cmd) printUsage() {
	fmt.Fprint(os.Stderr, c.makeUsage())
	if c.help != "" {
		fmt.Fprint(os.Stderr, "\n"+c.help+"\n")
	}
}

func (c *cmd) Usage() {
	c.printUsage()
	os.Exit(2)
}

func cmdHelp(c *cmd) {
	c.params = "[command ...]"
	c.help = `Prints help about matching commands.

If multiple commands match, they are listed along with the first line of their help text.
If a single command matches, its usage and full help text is printed.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	prefix := func(l, pre []string) bool {
		if len(pre) > len(l) {
			return false
		}
		return slices.Equal(pre, l[:len(pre)])
	}

	var partial []cmd
	for _, c := range cmds {
		if slices.Equal(c.words, args) {
			c.gather()
			fmt.Print(c.makeUsage())
			if c.help != "" {
				fmt.Print("\n" + c.help + "\n")
			}
			return
		} else if prefix(c.words, args) {
			partial = append(partial, c)
		}
	}
	if len(partial) == 0 {
		fmt.Fprintf(os.Stderr, "%s: unknown command\n", strings.Join(args, " "))
		os.Exit(2)
	}
	for _, c := range partial {
		c.gather()
		line := "stellarmail " + strings.Join(c.words, " ")
		fmt.Printf("%s\n", line)
		if c.help != "" {
			fmt.Printf("\t%s\n", strings.Split(c.help, "\n")[0])
		}
	}
}

func cmdHelpall(c *cmd) {
	c.unlisted = true
	c.help = `Print all detailed usage and help information for all listed commands.

Used to generate documentation.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	n := 0
	for _, c := range cmds {
		c.gather()
		if c.unlisted {
			continue
		}
		if n > 0 {
			fmt.Fprintf(os.Stderr, "\n")
		}
		n++

		fmt.Fprintf(os.Stderr, "# stellarmail %s\n\n", strings.Join(c.words, " "))
		if c.help != "" {
			fmt.Fprintln(os.Stderr, c.help+"\n")
		}
		s := c.makeUsage()
		s = "\t" + strings.ReplaceAll(s, "\n", "\n\t")
		fmt.Fprintln(os.Stderr, s)
	}
}

func usage(l []cmd, unlisted bool) {
	var lines []string
	if !unlisted {
		lines = append(lines, "stellarmail [-config stellarmail.conf] [-loglevel level] ...")
	}
	for _, c := range l {
		c.gather()
		if c.unlisted && !unlisted {
			continue
		}
		for _, line := range strings.Split(c.params, "\n") {
			x := append([]string{"stellarmail"}, c.words...)
			if line != "" {
				x = append(x, line)
			}
			lines = append(lines, strings.Join(x, " "))
		}
	}
	for i, line := range lines {
		pre := "       "
		if i == 0 {
			pre = "usage: "
		}
		fmt.Fprintln(os.Stderr, pre+line)
	}
	os.Exit(2)
}

var configPath string
var loglevel string // Empty will be interpreted as info.

// subcommands that are not "serve" should use this function to load the config,
// it restores any loglevel specified on the command-line instead of using the
// loglevels from the config file, and it does not register an ACME identity.
func mustLoadConfig() *stellar.Config {
	conf := stellar.MustLoadConfig(configPath, true)
	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		conf.Log[""] = level
		mlog.SetConfig(conf.Log)
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}
	return conf
}

func main() {
	log.SetFlags(0)

	// A .env file in the working directory can set STELLARMAIL_CONFIG. A missing
	// file is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("loading .env: %v", err)
	}

	flag.StringVar(&configPath, "config", envString(stellar.ConfigEnv, filepath.FromSlash("config/stellarmail.conf")), "configuration file, relative paths in it are resolved against its directory, defaults to $"+stellar.ConfigEnv+" with a fallback to config/stellarmail.conf")
	flag.StringVar(&loglevel, "loglevel", "", "if non-empty, this log level is set early in startup")
	flag.BoolVar(&mlog.Logfmt, "logfmt", false, "write log lines in logfmt format")

	flag.Usage = func() { usage(cmds, false) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage(cmds, false)
	}

	ll := loglevel
	if ll == "" {
		ll = "info"
	}
	if level, ok := mlog.Levels[ll]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
		// note: SetConfig may be called again when subcommands load the config.
	} else {
		log.Fatalf("unknown loglevel %q", loglevel)
	}

	var partial []cmd
next:
	for _, c := range cmds {
		for i, w := range c.words {
			if i >= len(args) || w != args[i] {
				if i > 0 {
					partial = append(partial, c)
				}
				continue next
			}
		}
		c.flag = flag.NewFlagSet("stellarmail "+strings.Join(c.words, " "), flag.ExitOnError)
		c.flagArgs = args[len(c.words):]
		c.log = mlog.New(strings.Join(c.words, ""), nil)
		c.fn(&c)
		return
	}
	if len(partial) > 0 {
		usage(partial, true)
	}
	usage(cmds, false)
}

func xcheckf(err error, format string, args ...any) {
	if err == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	log.Fatalf("%s: %s", msg, err)
}

func cmdVersion(c *cmd) {
	c.help = "Prints this stellarmail version."
	if len(c.Parse()) != 0 {
		c.Usage()
	}
	fmt.Println(stellarvar.Version)
	fmt.Printf("%s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func cmdConfigTest(c *cmd) {
	c.help = `Parses and validates the configuration file.

If valid, the command exits with status 0. If not valid, all errors encountered
are printed.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	_, errs := stellar.ParseConfig(context.Background(), c.log, configPath, true)
	if len(errs) > 1 {
		log.Printf("multiple errors:")
		for _, err := range errs {
			log.Printf("%s", err)
		}
		os.Exit(1)
	} else if len(errs) == 1 {
		log.Fatalf("%s", errs[0])
	}
	fmt.Println("config OK")
}

func xreadpassword() string {
	fmt.Printf(`
Type new password. Password WILL echo.

WARNING: Bots will try to bruteforce the admin password. Choose a long, unique
password.

`)
	fmt.Printf("password: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		err := scanner.Err()
		if err == nil {
			err = fmt.Errorf("no password")
		}
		xcheckf(err, "reading password")
	}
	pw := scanner.Text()
	if len(pw) < 8 {
		log.Fatal("password must be at least 8 characters")
	}
	return pw
}
