// Package validation checks entity rows against declared field rules.
//
// # Rule kinds
//
//   - required: the field must be set. Blocking.
//   - foreign_key: the referenced row must exist. Blocking.
//   - pattern: the value must match a regular expression.
//   - range: the value must be a number within min and max.
//   - max_length: the value must not exceed a number of characters.
//
// Every violation is appended to the validation log. Blocking violations
// are also returned to the caller and stop the save; the others are only
// recorded, so the data is never lost.
//
// # Usage Example
//
//	v, err := validation.NewValidator(validation.Config{
//		Catalog: catalog,
//		Refs:    entityStore,
//		Writer:  auditWriter,
//		Logger:  logger,
//	}, policy.Rules)
//
//	store := entity.NewStore(db, catalog, entity.StoreOptions{Validator: v})
//
// Rules are replaced at runtime with SetRules when the policy file changes.
package validation
