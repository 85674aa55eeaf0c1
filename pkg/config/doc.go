// Package config loads the Smart Pipeline configuration, the workflow
// catalog and the schemas that guard records exchanged between stages.
//
// # Overview
//
// Configuration is read from a TOML file (default
// ~/.config/smartpipe/config.toml), overlaid with SMARTPIPE_* environment
// variables and validated once at startup. The resulting Config is immutable
// and converted into engine.Options with PipelineOptions.
//
// # Components
//
// Config: Typed configuration sections for the workflow engine, lineage,
// documentation context, SSH runner, pipeline tunables, caches, paths,
// telemetry and the HTTP API.
//
// FileCatalog: The workflow catalog, read from YAML or CUE. CUE catalogs are
// validated against the built-in #Workflow schema. Watch reloads the catalog
// when the file changes.
//
// SchemaRegistry: CUE schemas for ExecutionPlan, ValidationResult and
// ObserverReport. It implements engine.ContractValidator.
//
// StarlarkEvaluator: Sandboxed Starlark execution with a timeout, used for
// operator-defined outcome predicates.
//
// # Usage Example
//
//	cfg, _, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	schemas := config.NewSchemaRegistry()
//	catalog, err := config.LoadCatalog(cfg.Paths.CatalogPath, schemas, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	svc, err := engine.NewService(engine.Dependencies{
//	    Catalog:   catalog,
//	    Contracts: schemas,
//	    // ...
//	}, cfg.PipelineOptions())
//
// # Predicate Scripts
//
// A script check binds the gathered facts as the dict "facts" and expects the
// script to assign a bool to "passed":
//
//	passed = facts["exit_code"] == "0" and "running" in facts["stdout"]
package config
