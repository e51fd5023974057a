package main

import (
	"flag"
	"log"

	"github.com/danmuck/netwire/internal/config"
)

func main() {
	output := flag.String("output", "cmd/netrond/node.toml", "output path for node config template (.toml, .yaml or .yml)")
	validate := flag.Bool("validate", false, "validate an existing node config file")
	input := flag.String("input", "cmd/netrond/node.toml", "node config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.LoadNode(*input)
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated node %q config at %s (%d peers)", cfg.Name, *input, len(cfg.Peers))
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote node config template to %s", *output)
}
