package cmd

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/ulikunitz/xz"
	"gopkg.in/yaml.v3"

	"github.com/ngld/webpipe/pkg"
)

type depSpec struct {
	Condition  string `yaml:"if,omitempty"`
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	// Dest is relative to the vendor directory and defaults to the dependency's name
	Dest   string
	Sha256 string
	Strip  int
}

type vendorConfig struct {
	// Dir is relative to the project root and defaults to bower_components
	Dir  string
	Vars map[string]string
	Deps map[string]depSpec
}

const stampFile = ".stamps.json"

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks vendor packages",
	Long:  `Downloads and unpacks the packages listed in vendor.yml into the vendor directory (bower_components).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pkg.PrintTask("Loading config")
		root, err := pkg.GetProjectRoot()
		if err != nil {
			return err
		}

		cfg, err := loadVendorConfig(filepath.Join(root, "vendor.yml"))
		if err != nil {
			return err
		}

		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		pkg.PrintTask("Downloading dependencies")
		changes, err := fetchDeps(cmd.Context(), cfg, root, update)
		if err != nil {
			pkg.PrintError(err.Error())
			return err
		}

		for name, digest := range changes {
			pkg.PrintSubtask(name + ": sha256 " + digest)
		}

		pkg.PrintTask("Done")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(fetchDepsCmd)
	fetchDepsCmd.Flags().BoolP("update", "u", false, "Print the checksums of all downloads instead of verifying them")
}

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

func loadVendorConfig(cfgPath string) (vendorConfig, error) {
	var cfg vendorConfig
	cfgData, err := os.ReadFile(cfgPath)
	if err != nil {
		return cfg, eris.Wrapf(err, "Could not open file %s.", cfgPath)
	}

	err = yaml.Unmarshal(cfgData, &cfg)
	if err != nil {
		return cfg, eris.Wrapf(err, "Failed to parse %s.", cfgPath)
	}

	if cfg.Dir == "" {
		cfg.Dir = "bower_components"
	}
	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}
	return cfg, nil
}

func readStamps(stampPath string) (map[string]string, error) {
	stamps := map[string]string{}
	stampData, err := os.ReadFile(stampPath)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return stamps, nil
		}
		return nil, eris.Wrapf(err, "Failed to read stamps file %s.", stampPath)
	}

	err = json.Unmarshal(stampData, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "Failed to parse JSON file %s.", stampPath)
	}
	return stamps, nil
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

func evalConditions(meta *depSpec, vars map[string]string) bool {
	meta.URL = varMatcher.ReplaceAllStringFunc(meta.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(meta.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(meta.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return false
		}
	}
	return true
}

// fetchDeps downloads every dependency whose stamp is outdated. With update set, checksum mismatches are
// collected and returned instead of failing.
func fetchDeps(ctx context.Context, cfg vendorConfig, projectRoot string, update bool) (map[string]string, error) {
	client := &http.Client{
		Timeout: time.Minute * 30,
	}

	vars := make(map[string]string, len(cfg.Vars)+3)
	for key, value := range cfg.Vars {
		vars[key] = value
	}
	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}

	vendorDir := filepath.Join(projectRoot, cfg.Dir)
	stampPath := filepath.Join(vendorDir, stampFile)
	stamps, err := readStamps(stampPath)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	changes := map[string]string{}
	for _, name := range names {
		meta := cfg.Deps[name]
		if !evalConditions(&meta, vars) {
			continue
		}

		if meta.Dest == "" {
			meta.Dest = name
		}
		destPath := filepath.Join(vendorDir, meta.Dest)
		_, err := os.Stat(destPath)
		destExists := err == nil

		stampToken := meta.URL + "#" + meta.Sha256
		if stamps[name] == stampToken && destExists {
			continue
		}

		pkg.PrintSubtask(name + ":  " + meta.URL)
		if meta.Sha256 == "" && !update {
			return changes, eris.Errorf("Dependency %s doesn't have a checksum", name)
		}

		digest, err := fetchDep(ctx, client, meta, destPath, update)
		if err != nil {
			return changes, eris.Wrapf(err, "Failed to fetch %s", name)
		}

		if digest != meta.Sha256 {
			changes[name] = digest
			continue
		}

		stamps[name] = stampToken
		err = writeStamps(stampPath, stamps)
		if err != nil {
			return changes, err
		}
	}

	return changes, nil
}

func writeStamps(stampPath string, stamps map[string]string) error {
	stampData, err := json.Marshal(stamps)
	if err != nil {
		return eris.Wrap(err, "Failed to encode stamps")
	}

	err = os.MkdirAll(filepath.Dir(stampPath), 0o770)
	if err != nil {
		return eris.Wrapf(err, "Failed to create %s", filepath.Dir(stampPath))
	}

	return eris.Wrapf(os.WriteFile(stampPath, stampData, 0o660), "Failed to write %s", stampPath)
}

// fetchDep downloads meta.URL, verifies the checksum and replaces destPath with the extracted contents. It
// returns the download's checksum. With update set, a mismatching download is not extracted.
func fetchDep(ctx context.Context, client *http.Client, meta depSpec, destPath string, update bool) (string, error) {
	arHandle, err := os.CreateTemp("", "webpipe-dl-*")
	if err != nil {
		return "", eris.Wrap(err, "Failed to create temporary download file")
	}
	defer func() {
		arHandle.Close()
		os.Remove(arHandle.Name())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return "", eris.Wrapf(err, "Invalid URL %s", meta.URL)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "Failed to start download for %s", meta.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("Download of %s failed with status %s", meta.URL, resp.Status)
	}

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")
	_, err = io.Copy(io.MultiWriter(arHandle, hash, bar), resp.Body)
	if err != nil {
		return "", eris.Wrapf(err, "Failed during download of %s", meta.URL)
	}
	_ = bar.Finish()

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != meta.Sha256 {
		if update {
			return digest, nil
		}
		return digest, eris.Errorf("Checksum check failed: expected %s but got %s", meta.Sha256, digest)
	}

	err = os.RemoveAll(destPath)
	if err != nil {
		return digest, eris.Wrapf(err, "Failed to remove %s", destPath)
	}

	extractor := getExtractor(meta.URL)
	_, err = arHandle.Seek(0, io.SeekStart)
	if err != nil {
		return digest, err
	}

	return digest, extractor(arHandle, destPath, meta)
}

type archiveExtractor func(f *os.File, destPath string, ds depSpec) error

func openExtractorDest(destPath string, item string, ds depSpec) (*os.File, string, error) {
	// normalize the path and strip ds.Strip elements from the beginning
	item = path.Clean("/" + filepath.ToSlash(item))[1:]
	pathParts := strings.Split(item, "/")
	if len(pathParts) <= ds.Strip {
		return nil, "", nil
	}
	dest := filepath.Join(destPath, filepath.FromSlash(strings.Join(pathParts[ds.Strip:], "/")))

	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, os.FileMode(0o770))
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "Failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func getExtractor(url string) archiveExtractor {
	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip
	case strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz"):
		return func(f *os.File, destPath string, ds depSpec) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return err
			}
			defer reader.Close()

			return extractTar(reader, destPath, ds)
		}
	case strings.HasSuffix(url, ".tar.bz2"):
		return func(f *os.File, destPath string, ds depSpec) error {
			return extractTar(bzip2.NewReader(f), destPath, ds)
		}
	case strings.HasSuffix(url, ".tar.xz"):
		return func(f *os.File, destPath string, ds depSpec) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return err
			}

			return extractTar(reader, destPath, ds)
		}
	}

	// everything else is a single file (i.e. a script or a font) which is stored below destPath
	return func(f *os.File, destPath string, ds depSpec) error {
		name := path.Base(strings.SplitN(url, "?", 2)[0])
		destHandle, _, err := openExtractorDest(destPath, name, depSpec{})
		if err != nil {
			return err
		}
		defer destHandle.Close()

		_, err = io.Copy(destHandle, f)
		return eris.Wrapf(err, "Failed to write %s", name)
	}
}

func extractZip(f *os.File, destPath string, ds depSpec) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return err
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		err = extractZipEntry(item, destPath, ds)
		if err != nil {
			return err
		}
	}

	return nil
}

func extractZipEntry(item *zip.File, destPath string, ds depSpec) error {
	destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
	if err != nil {
		return err
	}
	if destHandle == nil {
		return nil
	}
	defer destHandle.Close()

	itemHandle, err := item.Open()
	if err != nil {
		return eris.Wrap(err, "Failed to open archive entry")
	}
	defer itemHandle.Close()

	_, err = io.Copy(destHandle, itemHandle)
	if err != nil {
		return eris.Wrapf(err, "Failed to write extracted file %s", dest)
	}
	return nil
}

func extractTar(r io.Reader, destPath string, ds depSpec) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "Failed to read archive entry")
		}

		if !item.FileInfo().Mode().IsRegular() {
			// vendor packages only need regular files
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, ds)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "Failed to write extracted file %s", dest)
		}

		_ = os.Chmod(dest, item.FileInfo().Mode().Perm())
	}

	return nil
}
