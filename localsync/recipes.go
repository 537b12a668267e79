// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
)

func (e *engine) recipeRow(item SavedRecipe) RecipeRow {
	return RecipeRow{
		UserID:     e.userID,
		DeviceID:   e.deviceID,
		RecipeID:   item.RecipeID,
		RecipeName: item.RecipeName,
		RecipeData: item.RecipeData,
		IsCustom:   item.IsCustom,
		SavedAt:    item.SavedAt,
		UpdatedAt:  item.UpdatedAt,
	}
}

func recipeFromRow(row RecipeRow, id int64) SavedRecipe {
	return SavedRecipe{
		ID:         id,
		RecipeID:   row.RecipeID,
		RecipeName: row.RecipeName,
		RecipeData: row.RecipeData,
		IsCustom:   row.IsCustom,
		SavedAt:    row.SavedAt,
		UpdatedAt:  row.UpdatedAt,
	}
}

func maxRecipeID(items []SavedRecipe) int64 {
	var max int64
	for _, it := range items {
		if it.ID > max {
			max = it.ID
		}
	}
	return max
}

// syncRecipes runs one fetch-reconcile-write pass for saved recipes.
// Reconciliation key: (user_id, recipe_id), exact match — recipe ids are
// catalog or generated ids, not user-entered text.
func (e *engine) syncRecipes(ctx context.Context) ([]Conflict, error) {
	lastSync, err := e.store.LastSyncTime()
	if err != nil {
		return nil, err
	}
	pending, err := e.drainPendingDeletes(ctx, TableRecipes, ConflictKeyRecipes)
	if err != nil {
		return nil, err
	}

	rows, err := fetchRows[RecipeRow](ctx, e, TableRecipes)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]RecipeRow, len(rows))
	for _, row := range rows {
		byID[row.RecipeID] = row
	}

	local := e.store.LoadRecipes()
	out := make([]SavedRecipe, 0, len(local))
	var conflicts []Conflict
	matched := make(map[string]bool, len(local))

	for _, item := range local {
		row, ok := byID[item.RecipeID]
		if !ok {
			if err := e.upsertRow(ctx, TableRecipes, e.recipeRow(item), ConflictKeyRecipes); err != nil {
				e.logger.Warn("recipe upload failed, skipping record",
					"recipe_id", item.RecipeID, "error", err)
			}
			out = append(out, item)
			continue
		}
		matched[item.RecipeID] = true

		if row.IsDeleted {
			switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
			case actConflict:
				conflicts = append(conflicts, Conflict{
					Table:  TableRecipes,
					Key:    item.RecipeID,
					Type:   ConflictDelete,
					Local:  marshalRow(e.recipeRow(item)),
					Remote: marshalRow(row),
				})
				out = append(out, item)
			case actPush:
				if err := e.upsertRow(ctx, TableRecipes, e.recipeRow(item), ConflictKeyRecipes); err != nil {
					e.logger.Warn("recipe upload failed, skipping record",
						"recipe_id", item.RecipeID, "error", err)
				}
				out = append(out, item)
			default:
			}
			continue
		}

		switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
		case actPull:
			out = append(out, recipeFromRow(row, item.ID))
		case actPush:
			if err := e.upsertRow(ctx, TableRecipes, e.recipeRow(item), ConflictKeyRecipes); err != nil {
				e.logger.Warn("recipe upload failed, skipping record",
					"recipe_id", item.RecipeID, "error", err)
			}
			out = append(out, item)
		case actConflict:
			conflicts = append(conflicts, Conflict{
				Table:  TableRecipes,
				Key:    item.RecipeID,
				Type:   ConflictUpdate,
				Local:  marshalRow(e.recipeRow(item)),
				Remote: marshalRow(row),
			})
			out = append(out, item)
		default:
			out = append(out, item)
		}
	}

	if err := e.store.BumpLocalID(collectionRecipes, maxRecipeID(out)); err != nil {
		return conflicts, err
	}
	for _, row := range rows {
		if matched[row.RecipeID] || row.IsDeleted || pending[row.RecipeID] {
			continue
		}
		id, err := e.store.NextLocalID(collectionRecipes)
		if err != nil {
			return conflicts, err
		}
		out = append(out, recipeFromRow(row, id))
	}

	if err := e.store.SaveRecipes(out); err != nil {
		return conflicts, err
	}
	return conflicts, nil
}
