//go:build ignore

// build.go - console build helper
// Usage: go run build.go [-target=TARGET] [-v]
// Targets: build, release, test, clean

package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const binaryName = "console"

var (
	distDir = "dist"

	// release platforms as GOOS/GOARCH
	releaseTargets = []string{"linux/amd64", "linux/arm64", "darwin/arm64", "windows/amd64"}

	colorReset = "\033[0m"
	colorRed   = "\033[31m"
	colorGreen = "\033[32m"
	colorCyan  = "\033[36m"
)

// BuildContext holds configuration for the build process
type BuildContext struct {
	Verbose bool
	GOOS    string
	GOARCH  string
}

func main() {
	target := flag.String("target", "build", "Build target")
	verbose := flag.Bool("v", false, "Verbose output")
	flag.Parse()

	if runtime.GOOS == "windows" {
		colorReset, colorRed, colorGreen, colorCyan = "", "", "", ""
	}

	start := time.Now()
	ctx := &BuildContext{Verbose: *verbose, GOOS: runtime.GOOS, GOARCH: runtime.GOARCH}

	var err error
	switch *target {
	case "build":
		err = buildBinary(ctx)
	case "release":
		err = buildRelease(ctx)
	case "test":
		err = runTests(ctx)
	case "clean":
		err = os.RemoveAll(distDir)
	default:
		showHelp()
		os.Exit(1)
	}
	if err != nil {
		printError(err.Error())
		os.Exit(1)
	}
	printSuccess(fmt.Sprintf("%s completed in %s", *target, time.Since(start).Round(time.Millisecond)))
}

func printInfo(msg string) {
	fmt.Printf("%s[INFO]%s %s\n", colorCyan, colorReset, msg)
}

func printSuccess(msg string) {
	fmt.Printf("%s[OK]%s %s\n", colorGreen, colorReset, msg)
}

func printError(msg string) {
	fmt.Printf("%s[ERROR]%s %s\n", colorRed, colorReset, msg)
}

func outputPath(ctx *BuildContext) string {
	name := binaryName
	if ctx.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(distDir, ctx.GOOS+"_"+ctx.GOARCH, name)
}

func buildBinary(ctx *BuildContext) error {
	out := outputPath(ctx)
	printInfo(fmt.Sprintf("Building %s for %s/%s...", binaryName, ctx.GOOS, ctx.GOARCH))

	ldflags := fmt.Sprintf("-s -w -X main.buildTime=%s", time.Now().UTC().Format(time.RFC3339))
	args := []string{"build", "-trimpath", "-ldflags", ldflags, "-o", out, "./cmd/console"}
	if ctx.Verbose {
		args = append([]string{"build", "-v"}, args[1:]...)
	}

	cmd := exec.Command("go", args...)
	cmd.Env = append(os.Environ(), "GOOS="+ctx.GOOS, "GOARCH="+ctx.GOARCH, "CGO_ENABLED=0")
	cmd.Stderr = os.Stderr
	if ctx.Verbose {
		fmt.Printf("go %s\n", strings.Join(args, " "))
		cmd.Stdout = os.Stdout
	}
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("build %s/%s: %w", ctx.GOOS, ctx.GOARCH, err)
	}

	if info, err := os.Stat(out); err == nil {
		printSuccess(fmt.Sprintf("Built %s (%.1f MB)", out, float64(info.Size())/1024/1024))
	}
	return nil
}

func buildRelease(ctx *BuildContext) error {
	if err := os.RemoveAll(distDir); err != nil {
		return err
	}
	for _, platform := range releaseTargets {
		goos, goarch, _ := strings.Cut(platform, "/")
		if err := buildBinary(&BuildContext{Verbose: ctx.Verbose, GOOS: goos, GOARCH: goarch}); err != nil {
			return err
		}
	}
	return nil
}

func runTests(ctx *BuildContext) error {
	printInfo("Running Go tests...")
	args := []string{"test", "-race"}
	if ctx.Verbose {
		args = append(args, "-v")
	}
	args = append(args, "./...")

	cmd := exec.Command("go", args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("go tests failed: %w", err)
	}
	return nil
}

func showHelp() {
	fmt.Println(`Usage: go run build.go -target=TARGET [-v]

Targets:
  build    build cmd/console for the host platform into dist/
  release  cross-compile cmd/console for every release platform
  test     run go test -race ./...
  clean    remove dist/`)
}
