/*
Package config holds the configuration file definitions.

The configuration file stellarmail.conf is read once at startup. Changes to
the blocklist and the welcome message through the admin API are stored in the
data directory, not in the configuration file.

Below is an "empty" config file, generated from the config file definitions
in the source code with "stellarmail config describe", along with comments
explaining the fields.

# sconf

The config file is in "sconf" format. Properties of sconf files:

  - Indentation with tabs only.
  - "#" as first non-whitespace character makes the line a comment. Lines with a
    value cannot also have a comment.
  - Values don't have syntax indicating their type. For example, strings are
    not quoted/escaped and can never span multiple lines.
  - Fields that are optional can be left out completely. But the value of an
    optional field may itself have required fields.

# stellarmail.conf

	# NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be
	# on their own line, they don't end a line. Do not escape or quote strings.
	# Details: https://pkg.go.dev/github.com/mjl-/sconf.
	DataDir: data
	LogLevel: info
	ServerName: StellarMail
	DomainRoot: example.org
	WelcomeMessage: Welcome back you Stellar!
	BlockedDomains:
		- spam.example
	EnforceEncryptedDelivery: false
	DiscoveryTimeout: 15s
	RelayTimeout: 30s
	AdminHTTP:
		Address: 127.0.0.1:8010
		PasswordFile: adminpasswd
*/
package config
