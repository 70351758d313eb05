// Copyright 2020-2022 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rtprec"
	"rtprec/pkg/web"

	"github.com/urfave/cli/v3"
)

var errEnvMissing = errors.New("--env is required")

func main() {
	cmd := &cli.Command{
		Name:  "rtprec",
		Usage: "record or restream rtp media through ffmpeg",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:      "env",
				Usage:     "path to env.yaml",
				TakesFile: true,
			},
		},
		Action: runApp,
		Commands: []*cli.Command{
			{
				Name:   "hash-password",
				Usage:  "read a password from stdin and print its bcrypt hash",
				Action: hashPassword,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runApp(ctx context.Context, cmd *cli.Command) error {
	envFlag := cmd.String("env")
	if envFlag == "" {
		return errEnvMissing
	}

	envPath, err := filepath.Abs(envFlag)
	if err != nil {
		return fmt.Errorf("could not get absolute path of env.yaml: %w", err)
	}
	return rtprec.Run(ctx, envPath)
}

func hashPassword(_ context.Context, _ *cli.Command) error {
	password, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && password == "" {
		return fmt.Errorf("read password: %w", err)
	}
	password = strings.TrimRight(password, "\r\n")

	hash, err := web.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}
