package main

import (
	"fmt"
	"log"
)

// runName sets, or with no NAME clears, a therapist display name
// in the config file.
func runName(args []string) {
	if len(args) < 1 || len(args) > 2 {
		exitFlagError(fmt.Errorf("usage: caseload name ID [NAME]"))
	}
	name := ""
	if len(args) == 2 {
		name = args[1]
	}
	cfg := mustLoadMinimal()
	if err := cfg.SaveTherapistName(args[0], name); err != nil {
		log.Fatalf("saving name: %v", err)
	}
	if name == "" {
		fmt.Printf("Cleared display name for %s\n", args[0])
		return
	}
	fmt.Printf("%s is now shown as %q\n", args[0], name)
}
