package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	dbFlag = &cli.StringFlag{
		Name:    "db",
		Value:   "tcctl.db",
		Usage:   "path of the local relationships database",
		EnvVars: []string{"TCCTL_DB"},
	}
	hwKeyFlag = &cli.StringFlag{
		Name:    "hw-key",
		Value:   "tcctl.hwkey",
		Usage:   "path of the file standing for the customer hardware key",
		EnvVars: []string{"TCCTL_HW_KEY"},
	}
	relayFlag = &cli.StringFlag{
		Name:  "relay",
		Usage: "relationship service base url, overrides TCRELAY_URL",
	}
	logDebugFlag = &cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	}
	logJsonFlag = &cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	}
	quietFlag = &cli.BoolFlag{
		Name:  "quiet",
		Value: false,
		Usage: "disable logging",
	}
	aliasFlag = &cli.StringFlag{
		Name:     "alias",
		Required: true,
		Usage:    "name under which the other party is known locally",
	}
	rIdFlag = &cli.StringFlag{
		Name:     "rid",
		Required: true,
		Usage:    "relationship id",
	}
)

func main() {
	app := &cli.App{
		Name:  "tcctl",
		Usage: "Manage trusted contacts from the command line",
		Flags: []cli.Flag{dbFlag, hwKeyFlag, relayFlag, logDebugFlag, logJsonFlag, quietFlag},
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "create the local account",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "customer", Usage: "create a customer account holding authority keys"},
				},
				Action: initAccount,
			},
			{
				Name:   "whoami",
				Usage:  "show the local account",
				Action: showAccount,
			},
			{
				Name:  "invite",
				Usage: "invite a trusted contact",
				Flags: []cli.Flag{
					aliasFlag,
					&cli.StringFlag{Name: "roles", Value: "recovery", Usage: "comma separated roles among recovery, beneficiary"},
				},
				Action: createInvitation,
			},
			{
				Name:   "refresh",
				Usage:  "extend the validity of a pending invitation",
				Flags:  []cli.Flag{rIdFlag},
				Action: refreshInvitation,
			},
			{
				Name:   "delete",
				Usage:  "delete an invitation or trusted contact",
				Flags:  []cli.Flag{rIdFlag},
				Action: deleteInvitation,
			},
			{
				Name:  "accept",
				Usage: "accept an invitation received out of band",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "code", Required: true, Usage: "invite code"},
					aliasFlag,
				},
				Action: acceptInvitation,
			},
			{
				Name:   "sync",
				Usage:  "synchronize with the relationship service, customers endorse authenticated contacts",
				Action: syncRelationships,
			},
			{
				Name:   "contacts",
				Usage:  "list local trusted contacts",
				Action: listContacts,
			},
			{
				Name:   "customers",
				Usage:  "list the customers that enrolled the local trusted contact",
				Action: listCustomers,
			},
			{
				Name:   "rotate",
				Usage:  "rotate the customer app key and reissue the trusted contacts certificates",
				Action: rotateAppKey,
			},
			{
				Name:   "verify",
				Usage:  "list the trusted contacts certified by the current authority",
				Action: verifyContacts,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
