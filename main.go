package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/abiosoft/ishell"
	"github.com/caarlos0/env"

	"stagectl/logging"
	_ "stagectl/mbus"
	"stagectl/motion"
	_ "stagectl/serbus"
)

type envConfig struct {
	Config string `env:"STAGE_CONFIG" envDefault:"./stagectl.yaml"`
	Debug  bool   `env:"DEBUG" envDefault:"0"`
}

func main() {
	ec := new(envConfig)
	env.Parse(ec)

	if ec.Debug {
		logging.SetLevel("debug")
	}

	filename, err := filepath.Abs(ec.Config)
	if err != nil {
		panic(fmt.Sprintf("Unable to find config file: %v", err))
	}

	cfg, err := motion.LoadConfig(filename)
	if err != nil {
		panic(fmt.Sprintf("Unable to load config: %v", err))
	}

	stage, stageBus, err := motion.NewStage(cfg)
	if err != nil {
		panic(fmt.Sprintf("Unable to initialize stage: %v", err))
	}
	defer stageBus.Close()
	defer stage.Close()

	shell := ishell.New()
	shell.Println("stagectl development shell")

	shell.AddCmd(&ishell.Cmd{
		Name: "move",
		Help: "move <axis> <delta> [<axis> <delta> ...]  relative move",
		Func: func(c *ishell.Context) {
			shift, err := parsePairs(c.Args)
			if err != nil {
				c.Println(err)
				return
			}
			f, err := stage.MoveRel(shift)
			if err != nil {
				c.Println(err)
				return
			}
			c.Printf("move %s submitted\n", f.ID)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "moveabs",
		Help: "moveabs <axis> <target> [<axis> <target> ...]",
		Func: func(c *ishell.Context) {
			target, err := parsePairs(c.Args)
			if err != nil {
				c.Println(err)
				return
			}
			f, err := stage.MoveAbs(target)
			if err != nil {
				c.Println(err)
				return
			}
			c.Printf("move %s submitted\n", f.ID)
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "stop",
		Help: "cancel everything and halt all controllers",
		Func: func(c *ishell.Context) {
			stage.Stop()
			c.Println("stopped")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "ref",
		Help: "home all axes and wait for completion",
		Func: func(c *ishell.Context) {
			f, err := stage.Reference()
			if err != nil {
				c.Println(err)
				return
			}
			if err = f.Result(2 * time.Minute); err != nil {
				c.Println(err)
				return
			}
			c.Println("referenced")
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "pos",
		Help: "print cached axis positions",
		Func: func(c *ishell.Context) {
			pos := stage.Position()
			for _, name := range stage.AxisNames() {
				c.Printf("%s: %g\n", name, pos[name])
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "speed",
		Help: "speed <axis> [<value>]  get or set axis speed",
		Func: func(c *ishell.Context) {
			if len(c.Args) == 0 {
				c.Println("usage: speed <axis> [<value>]")
				return
			}
			axis := c.Args[0]
			if len(c.Args) == 1 {
				v, err := stage.Speed(axis)
				if err != nil {
					c.Println(err)
					return
				}
				c.Printf("%s: %g\n", axis, v)
				return
			}
			v, err := strconv.ParseFloat(c.Args[1], 64)
			if err != nil {
				c.Println(err)
				return
			}
			if err = stage.SetSpeed(axis, v); err != nil {
				c.Println(err)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "selftest",
		Help: "probe every controller",
		Func: func(c *ishell.Context) {
			f, err := stage.SelfTest()
			if err != nil {
				c.Println(err)
				return
			}
			if err = f.Result(30 * time.Second); err != nil {
				c.Println(err)
				return
			}
			c.Println("all controllers responding")
		},
	})

	shell.Start()
}

func parsePairs(args []string) (map[string]float64, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("expected <axis> <value> pairs")
	}
	out := make(map[string]float64, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		v, err := strconv.ParseFloat(args[i+1], 64)
		if err != nil {
			return nil, fmt.Errorf("bad value for %s: %v", args[i], err)
		}
		out[args[i]] = v
	}
	return out, nil
}
