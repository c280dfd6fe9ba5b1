// Command piw-master runs the piwheels build master: it dispatches build
// jobs to connected workers, receives and verifies the resulting wheel
// files, and publishes the HTML package indexes served to pip.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/piwheels/piw-master/internal/master"

	distri "github.com/piwheels/piw-master"
)

func main() {
	var (
		pypiRoot      = flag.String("pypi-root", "https://pypi.org/simple/", "root URL of the upstream package index to mirror")
		dsn           = flag.String("dsn", "postgres:///piwheels", "PostgreSQL data source name")
		output        = flag.String("output", "/var/www/piwheels", "root of the published package index and wheel files")
		workerAddr    = flag.String("worker-addr", ":5555", "address the build-dispatch socket listens on")
		transferAddr  = flag.String("transfer-addr", ":5556", "address the file-transfer socket listens on")
		controlSocket = flag.String("control-socket", "/tmp/piw-control", "path of the admin control Unix socket")
		statusSocket  = flag.String("status-socket", "/tmp/piw-status", "path of the published status Unix socket")
		staticsDir    = flag.String("statics-dir", "", "optional directory of static assets to copy into -output once at startup")
	)
	flag.Parse()

	ctx, cancel := distri.InterruptibleContext()
	defer cancel()

	cfg := master.Config{
		PyPIRoot:      *pypiRoot,
		DSN:           *dsn,
		OutputPath:    *output,
		WorkerAddr:    *workerAddr,
		TransferAddr:  *transferAddr,
		ControlSocket: *controlSocket,
		StatusSocket:  *statusSocket,
		StaticsDir:    *staticsDir,
	}

	if err := master.Run(ctx, cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.SetOutput(os.Stderr)
		os.Exit(1)
	}
}
