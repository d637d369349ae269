package main

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/abiosoft/ishell"
	"github.com/samsamfire/canopen-drive/pkg/nmt"
	"github.com/samsamfire/canopen-drive/pkg/node"
)

var shellNmtCommands = map[string]nmt.Command{
	"start":      nmt.CommandEnterOperational,
	"stop":       nmt.CommandEnterStopped,
	"preop":      nmt.CommandEnterPreOperational,
	"reset-node": nmt.CommandResetNode,
	"reset-comm": nmt.CommandResetCommunication,
}

func nmtNames([]string) []string {
	names := make([]string, 0, len(shellNmtCommands))
	for name := range shellNmtCommands {
		names = append(names, name)
	}
	return names
}

// Start the debug shell, exiting the shell stops the drive
func startShell(n *node.Node, stop func()) {
	shell := ishell.New()
	shell.Println("canopen-drive debug shell")
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "status of the node",
		Func: func(c *ishell.Context) {
			ctx := n.Context()
			c.Printf("node id      : %v (bit timing %v, %v bit/s)\n", ctx.NodeId, ctx.BitTiming, ctx.Bitrate)
			c.Printf("nmt          : %v\n", ctx.NmtStateName)
			c.Printf("lss          : %v (active %v)\n", ctx.LssState, ctx.LssActive)
			c.Printf("platform     : %v\n", ctx.Platform)
			c.Printf("error reg    : x%02x, manufacturer x%08x, last code x%04x\n",
				ctx.ErrorRegister, ctx.ManufacturerRegister, ctx.LastErrorCode)
			c.Printf("sync counter : %v\n", ctx.SyncCounter)
			for _, summary := range ctx.Pdos {
				c.Printf("%-6v x%03x len %v type %v, %v frame(s)\n",
					summary.Name, summary.CobId, summary.Length, summary.TransmissionType, summary.Frames)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "nmt",
		Help:      "nmt <start|stop|preop|reset-node|reset-comm>",
		Completer: nmtNames,
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println("usage : nmt <start|stop|preop|reset-node|reset-comm>")
				return
			}
			command, ok := shellNmtCommands[c.Args[0]]
			if !ok {
				c.Printf("unknown command %v\n", c.Args[0])
				return
			}
			if err := n.SendCommand(command); err != nil {
				c.Err(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "od",
		Help: "od read <index> <subindex>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 3 || c.Args[0] != "read" {
				c.Println("usage : od read <index> <subindex>")
				return
			}
			index, err := strconv.ParseUint(c.Args[1], 0, 16)
			if err != nil {
				c.Err(err)
				return
			}
			subindex, err := strconv.ParseUint(c.Args[2], 0, 8)
			if err != nil {
				c.Err(err)
				return
			}
			data, err := n.Read(uint16(index), uint8(subindex))
			if err != nil {
				c.Err(err)
				return
			}
			c.Printf("x%04x|x%02x : %v (%d bytes)\n", index, subindex, hex.EncodeToString(data), len(data))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "faults",
		Help: "latched faults",
		Func: func(c *ishell.Context) {
			names := n.Context().Faults
			if len(names) == 0 {
				c.Println("no faults")
				return
			}
			c.Println(strings.Join(names, "\n"))
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "clear",
		Help: "clear the faults and the active alarms",
		Func: func(c *ishell.Context) {
			n.ClearFaults()
			c.Println("faults cleared")
		},
	})

	shell.Start()
	stop()
}
