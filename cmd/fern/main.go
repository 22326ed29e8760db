// Copyright (c) 2023 Paweł Gaczyński
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// nolint:forbidigo
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Ignoring .env: %v\n", err)
	}

	app := &cli.App{
		EnableBashCompletion: true,
		Name:                 "fern",
		Usage:                "io_uring engine tools",
		Commands: []*cli.Command{
			{
				Name:  "probe",
				Usage: "print the kernel version and supported operations",
				Action: func(*cli.Context) error {
					return runProbe()
				},
			},
			{
				Name:  "bench",
				Usage: "drive the ring with concurrent submitters and reapers",
				Flags: benchFlags,
				Action: func(ctx *cli.Context) error {
					if err := config.merge(ctx); err != nil {
						return err
					}

					if err := config.validate(); err != nil {
						return err
					}

					fmt.Printf("Configuration: %+v \n", *config)

					return runBench(config)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
