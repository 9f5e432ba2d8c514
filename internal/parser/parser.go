package parser

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/tidwall/jsonc"

	"envkit/pkg/recipe"
)

// DefaultRecipeFiles are tried in order when no recipe path is given.
var DefaultRecipeFiles = []string{"envkit.yaml", "envkit.yml", "envkit.json", "envkit.jsonc", "envkit.toml"}

var (
	recipeNameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
	// Debian package names: lowercase alphanumerics plus + - . with an optional
	// =version pin or :arch qualifier.
	osPackageRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9+.-]+(:[a-z0-9-]+)?(=[A-Za-z0-9.+~:-]+)?$`)
	envNameRegex   = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	// name[:tag][@digest], registry host and path components allowed.
	imageRefRegex = regexp.MustCompile(`^[a-z0-9]+([._/:-][a-z0-9]+)*(:[A-Za-z0-9_][A-Za-z0-9_.-]{0,127})?(@sha256:[a-f0-9]{64})?$`)
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	mustRegister("recipename", func(fl validator.FieldLevel) bool {
		return recipeNameRegex.MatchString(fl.Field().String())
	})
	mustRegister("ospkg", func(fl validator.FieldLevel) bool {
		return osPackageRegex.MatchString(fl.Field().String())
	})
	mustRegister("envname", func(fl validator.FieldLevel) bool {
		return envNameRegex.MatchString(fl.Field().String())
	})
	mustRegister("envpair", func(fl validator.FieldLevel) bool {
		key, value, ok := strings.Cut(fl.Field().String(), "=")
		return ok && envNameRegex.MatchString(key) && !strings.ContainsAny(value, "\r\n")
	})
	mustRegister("labelpair", func(fl validator.FieldLevel) bool {
		key, value, ok := strings.Cut(fl.Field().String(), "=")
		return ok && key != "" && !strings.ContainsAny(key, " \t\r\n\"") && !strings.ContainsAny(value, "\r\n")
	})
	mustRegister("imageref", func(fl validator.FieldLevel) bool {
		return imageRefRegex.MatchString(fl.Field().String())
	})
	mustRegister("abspath", func(fl validator.FieldLevel) bool {
		return path.IsAbs(fl.Field().String())
	})
	mustRegister("relpath", func(fl validator.FieldLevel) bool {
		p := fl.Field().String()
		clean := path.Clean(p)
		return p != "" && !path.IsAbs(p) && clean != ".." && !strings.HasPrefix(clean, "../")
	})
	mustRegister("nospace", func(fl validator.FieldLevel) bool {
		return !strings.ContainsAny(fl.Field().String(), " \t\n")
	})
}

func mustRegister(tag string, fn validator.Func) {
	if err := validate.RegisterValidation(tag, fn); err != nil {
		panic(fmt.Sprintf("register validation %q: %v", tag, err))
	}
}

// Locate returns filePath when set, otherwise the first default recipe file found in dir.
func Locate(filePath, dir string) (string, error) {
	if filePath != "" {
		return filePath, nil
	}
	for _, name := range DefaultRecipeFiles {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no recipe file found in %s (tried %s)", dir, strings.Join(DefaultRecipeFiles, ", "))
}

// Parse reads and validates a recipe file, returning the parsed Recipe with defaults applied.
// Relative local source paths are resolved against the recipe's directory.
func Parse(filePath string) (*recipe.Recipe, error) {
	// Check if file exists
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		return nil, fmt.Errorf("recipe file not found: %s", filePath)
	}

	v := viper.New()
	configType := configTypeFor(filePath)
	v.SetConfigType(configType)

	if configType == "jsonc" {
		// Strip comments and trailing commas so viper sees plain JSON
		raw, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read recipe file: %w", err)
		}
		v.SetConfigType("json")
		if err := v.ReadConfig(bytes.NewReader(jsonc.ToJSON(raw))); err != nil {
			return nil, fmt.Errorf("failed to read recipe file: %w", err)
		}
	} else {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				return nil, fmt.Errorf("recipe file not found: %s", filePath)
			}
			return nil, fmt.Errorf("failed to read recipe file: %w", err)
		}
	}

	var rc recipe.Recipe
	if err := v.Unmarshal(&rc); err != nil {
		return nil, fmt.Errorf("failed to parse recipe file - malformed %s: %w", strings.ToUpper(configType), err)
	}

	if err := validate.Struct(&rc); err != nil {
		return nil, formatValidationError(err)
	}

	rc.ApplyDefaults()
	if err := checkSemantics(&rc); err != nil {
		return nil, err
	}

	if !rc.Spec.Source.IsGitSource() && !filepath.IsAbs(rc.Spec.Source.Path) {
		rc.Spec.Source.Path = filepath.Join(filepath.Dir(filePath), rc.Spec.Source.Path)
	}

	return &rc, nil
}

// checkSemantics covers rules that struct tags cannot express.
func checkSemantics(rc *recipe.Recipe) error {
	if !recipe.BoolValue(rc.Spec.Python.Copies) {
		return fmt.Errorf("validation error: field 'copies' must be true: the environment copies interpreter binaries instead of symlinking them")
	}
	venv := rc.Spec.Python.VenvPath
	if venv == "/" {
		return fmt.Errorf("validation error: field 'venvPath' must not be the filesystem root")
	}
	if rc.Spec.Workdir == venv || strings.HasPrefix(rc.Spec.Workdir, venv+"/") {
		return fmt.Errorf("validation error: field 'workdir' must not live inside venvPath %s", venv)
	}
	return nil
}

func configTypeFor(filePath string) string {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		return "json"
	case ".jsonc":
		return "jsonc"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}

// formatValidationError converts validator errors into user-friendly messages.
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		var errorMessages []string
		for _, e := range validationErrors {
			errorMessages = append(errorMessages, formatFieldError(e))
		}

		if len(errorMessages) == 1 {
			return fmt.Errorf("validation error: %s", errorMessages[0])
		}

		result := "validation errors:\n"
		for _, msg := range errorMessages {
			result += fmt.Sprintf("  - %s\n", msg)
		}
		return fmt.Errorf("%s", result)
	}
	return fmt.Errorf("validation failed: %w", err)
}

// formatFieldError formats a single validation error into a user-friendly message.
func formatFieldError(e validator.FieldError) string {
	field := e.Field()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("field '%s' is required but missing", field)
	case "required_without":
		return fmt.Sprintf("field '%s' is required when '%s' is not set", field, e.Param())
	case "excluded_with":
		return fmt.Sprintf("field '%s' cannot be combined with '%s'", field, e.Param())
	case "eq":
		return fmt.Sprintf("field '%s' must be '%s'", field, e.Param())
	case "url":
		return fmt.Sprintf("field '%s' must be a valid URL", field)
	case "recipename":
		return fmt.Sprintf("field '%s' must be lowercase letters, digits, '.', '_' or '-': %q", field, e.Value())
	case "ospkg":
		return fmt.Sprintf("field '%s' contains an invalid OS package name: %q", field, e.Value())
	case "envname", "envpair":
		return fmt.Sprintf("field '%s' contains an invalid environment variable: %q", field, e.Value())
	case "labelpair":
		return fmt.Sprintf("field '%s' must be a KEY=VALUE label on one line: %q", field, e.Value())
	case "imageref":
		return fmt.Sprintf("field '%s' must be an image reference like python:3.11-slim: %q", field, e.Value())
	case "abspath":
		return fmt.Sprintf("field '%s' must be an absolute path", field)
	case "relpath":
		return fmt.Sprintf("field '%s' must be a path relative to the application source", field)
	case "contains":
		return fmt.Sprintf("field '%s' must contain '%s'", field, e.Param())
	default:
		return fmt.Sprintf("field '%s' failed validation (%s)", field, tag)
	}
}
