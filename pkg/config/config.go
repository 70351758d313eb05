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

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"rtprec/pkg/log"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Env stores system configuration.
type Env struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"` // Address the transcoder receives RTP on.

	FFmpegBin      string `yaml:"ffmpegBin"`
	FFmpegLogLevel string `yaml:"ffmpegLogLevel"`
	LogLevel       string `yaml:"logLevel"`

	StorageDir   string `yaml:"storageDir"`
	RecordDir    string `yaml:"recordDir"`
	RestreamBase string `yaml:"restreamBase"`

	MaxPortAttempts int `yaml:"maxPortAttempts"`
	HistorySize     int `yaml:"historySize"`

	// Basic auth, disabled if username is empty.
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"passwordHash"` // bcrypt.

	ConfigDir string `yaml:"-"`
}

// Errors.
var (
	ErrPathNotAbsolute = errors.New("path is not absolute")
	ErrInvalidPort     = errors.New("invalid port")
	ErrPasswordHash    = errors.New("invalid password hash")
)

// Environment variables overriding env.yaml.
const (
	EnvHost         = "RTPREC_HOST"
	EnvPort         = "RTPREC_PORT"
	EnvRecordDir    = "RTPREC_RECORD_DIR"
	EnvRestreamBase = "RTPREC_RESTREAM_BASE"
	EnvFFmpegBin    = "RTPREC_FFMPEG_BIN"
	EnvUsername     = "RTPREC_USERNAME"
	EnvPasswordHash = "RTPREC_PASSWORD_HASH"
)

// LoadEnv reads env.yaml and the optional .env file next to it.
func LoadEnv(envPath string) (*Env, error) {
	envYAML, err := os.ReadFile(envPath)
	if err != nil {
		return nil, fmt.Errorf("read env.yaml: %w", err)
	}

	dotEnv := filepath.Join(filepath.Dir(envPath), ".env")
	if _, err := os.Stat(dotEnv); err == nil {
		if err := godotenv.Load(dotEnv); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	return NewEnv(envPath, envYAML)
}

// NewEnv return new environment configuration.
func NewEnv(envPath string, envYAML []byte) (*Env, error) {
	var env Env

	if err := yaml.Unmarshal(envYAML, &env); err != nil {
		return nil, fmt.Errorf("unmarshal env.yaml: %w", err)
	}

	env.ConfigDir = filepath.Dir(envPath)

	if err := env.applyOverrides(); err != nil {
		return nil, err
	}
	env.setDefaults()

	if err := env.validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

func (env *Env) applyOverrides() error {
	override := func(key string, field *string) {
		if value, exists := os.LookupEnv(key); exists {
			*field = value
		}
	}
	override(EnvHost, &env.Host)
	override(EnvRecordDir, &env.RecordDir)
	override(EnvRestreamBase, &env.RestreamBase)
	override(EnvFFmpegBin, &env.FFmpegBin)
	override(EnvUsername, &env.Username)
	override(EnvPasswordHash, &env.PasswordHash)

	if value, exists := os.LookupEnv(EnvPort); exists {
		port, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("%v: %w", EnvPort, err)
		}
		env.Port = port
	}
	return nil
}

func (env *Env) setDefaults() {
	if env.Port == 0 {
		env.Port = 2020
	}
	if env.Host == "" {
		env.Host = "127.0.0.1"
	}
	if env.FFmpegBin == "" {
		env.FFmpegBin = "/usr/bin/ffmpeg"
	}
	if env.FFmpegLogLevel == "" {
		env.FFmpegLogLevel = "error"
	}
	if env.LogLevel == "" {
		env.LogLevel = "info"
	}
	if env.StorageDir == "" {
		env.StorageDir = filepath.Join(env.ConfigDir, "storage")
	}
	if env.RecordDir == "" {
		env.RecordDir = filepath.Join(env.StorageDir, "recordings")
	}
	if env.HistorySize == 0 {
		env.HistorySize = 10000
	}
}

func (env *Env) validate() error {
	if env.Port <= 0 || env.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, env.Port)
	}
	if _, err := log.ParseLevel(env.LogLevel); err != nil {
		return fmt.Errorf("logLevel: %w", err)
	}
	if _, err := log.ParseLevel(env.FFmpegLogLevel); err != nil {
		return fmt.Errorf("ffmpegLogLevel: %w", err)
	}

	if !filepath.IsAbs(env.FFmpegBin) {
		return fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, ErrPathNotAbsolute)
	}
	if !fileExist(env.FFmpegBin) {
		return fmt.Errorf("ffmpegBin '%v': %w", env.FFmpegBin, os.ErrNotExist)
	}
	if !filepath.IsAbs(env.StorageDir) {
		return fmt.Errorf("storageDir '%v': %w", env.StorageDir, ErrPathNotAbsolute)
	}
	if !filepath.IsAbs(env.RecordDir) {
		return fmt.Errorf("recordDir '%v': %w", env.RecordDir, ErrPathNotAbsolute)
	}

	if env.Username != "" {
		if _, err := bcrypt.Cost([]byte(env.PasswordHash)); err != nil {
			return fmt.Errorf("%w: %v", ErrPasswordHash, err)
		}
	}
	return nil
}

func fileExist(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// HistoryPath returns path to the stream history database.
func (env Env) HistoryPath() string {
	return filepath.Join(env.StorageDir, "history.db")
}

// Level returns the parsed log level.
func (env Env) Level() log.Level {
	level, _ := log.ParseLevel(env.LogLevel)
	return level
}

// PrepareEnvironment prepares directories.
func (env Env) PrepareEnvironment() error {
	if err := os.MkdirAll(env.StorageDir, 0o700); err != nil {
		return fmt.Errorf("create storage directory: %v: %w", env.StorageDir, err)
	}
	if err := os.MkdirAll(env.RecordDir, 0o700); err != nil {
		return fmt.Errorf("create record directory: %v: %w", env.RecordDir, err)
	}
	return nil
}
