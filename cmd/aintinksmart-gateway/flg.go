package main

import "github.com/urfave/cli/v2"

var (
	flgConfig   = &cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"AINTINKSMART_CONFIG"}, Usage: "path to the YAML configuration file"}
	flgBroker   = &cli.StringFlag{Name: "broker", Aliases: []string{"b"}, EnvVars: []string{"AINTINKSMART_BROKER"}, Usage: "MQTT broker host, overrides broker.host"}
	flgListen   = &cli.StringFlag{Name: "listen", Aliases: []string{"l"}, Usage: "HTTP API address, overrides gateway.listen_addr; \"off\" disables it"}
	flgLogLevel = &cli.StringFlag{Name: "log-level", EnvVars: []string{"AINTINKSMART_LOG_LEVEL"}, Usage: "debug, info, warn or error"}
	flgDuration = &cli.DurationFlag{Name: "duration", Aliases: []string{"d"}, Usage: "scan duration, overrides scan.duration"}
	flgAll      = &cli.BoolFlag{Name: "all", Usage: "list every advertisement, not only displays"}
)
