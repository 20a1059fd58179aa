// Package config holds the host's configuration model and loads it from an
// HCL or TOML file.
//
// HCL files may reference the process environment through the `env` object:
//
//	jupyter {
//	  url   = "http://127.0.0.1:8888"
//	  token = env.JUPYTER_TOKEN
//	}
//
//	notebook "analysis.ipynb" {}
//
// Files ending in .toml are decoded with the same field names. Anything a file
// leaves out keeps the value from Default.
package config
