// schemacheck validates schema documents offline: it compiles the built-in
// definitions plus every directory named on the command line and exits
// non-zero on the first error, so a broken schema never reaches a deploy.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/calderahq/tablegate/internal/query"
	"github.com/calderahq/tablegate/internal/schema"
)

func main() {
	defs := schema.Builtin()
	for _, dir := range os.Args[1:] {
		extra, err := schema.LoadDir(dir)
		if err != nil {
			log.Fatalf("schemacheck: %v", err)
		}
		defs = append(defs, extra...)
	}

	reg, err := schema.Load(defs, query.NewHooks(nil))
	if err != nil {
		log.Fatalf("schemacheck: %v", err)
	}
	for _, name := range reg.TableNames() {
		tab, _ := reg.Table(name)
		ops := ""
		if tab.Get != nil {
			ops += "get"
		}
		if tab.Set != nil {
			if ops != "" {
				ops += "+"
			}
			ops += "set"
		}
		fmt.Printf("%-20s physical=%-15s %s\n", name, tab.Physical, ops)
	}
	fmt.Printf("ok: %d tables\n", len(reg.TableNames()))
}
