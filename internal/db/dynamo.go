package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/bobarin/scenecast/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// statusIndex is the GSI over (GSI1PK=STATUS#<status>, GSI1SK=created_at) on
// project items.
const statusIndex = "status-index"

// DynamoAPI is the subset of the DynamoDB client used by DynamoStore.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// DynamoStore implements Store on a single DynamoDB table. Entities are kept
// as a JSON document next to the key, status and counter attributes; the
// counters live outside the document so they can be moved with atomic ADD.
type DynamoStore struct {
	client    DynamoAPI
	tableName string
}

var _ Store = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
func NewDynamoStore(client DynamoAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName}
}

type dynamoItem struct {
	PK              string `dynamodbav:"PK"`
	SK              string `dynamodbav:"SK"`
	Kind            string `dynamodbav:"kind"`
	Status          string `dynamodbav:"status"`
	GSI1PK          string `dynamodbav:"GSI1PK,omitempty"`
	GSI1SK          string `dynamodbav:"GSI1SK,omitempty"`
	Doc             string `dynamodbav:"doc"`
	UpdatedAt       string `dynamodbav:"updatedAt"`
	SceneCount      int    `dynamodbav:"sceneCount,omitempty"`
	CompletedScenes int    `dynamodbav:"completedScenes,omitempty"`
	FailedScenes    int    `dynamodbav:"failedScenes,omitempty"`
}

func projectItem(p *models.Project) (dynamoItem, error) {
	doc, err := json.Marshal(p)
	if err != nil {
		return dynamoItem{}, fmt.Errorf("marshal project: %w", err)
	}
	return dynamoItem{
		PK:              projectPK(p.ID),
		SK:              skMeta,
		Kind:            string(models.KindProject),
		Status:          string(p.Status),
		GSI1PK:          gsiPrefix + string(p.Status),
		GSI1SK:          formatTime(p.CreatedAt),
		Doc:             string(doc),
		UpdatedAt:       formatTime(p.UpdatedAt),
		SceneCount:      p.SceneCount,
		CompletedScenes: p.CompletedScenes,
		FailedScenes:    p.FailedScenes,
	}, nil
}

// project decodes the document and overlays the counter attributes, which
// are authoritative over whatever the document last recorded.
func (it dynamoItem) project() (*models.Project, error) {
	p := &models.Project{}
	if err := json.Unmarshal([]byte(it.Doc), p); err != nil {
		return nil, fmt.Errorf("decode project %s: %w", it.PK, err)
	}
	p.SetCounters(models.Counters{SceneCount: it.SceneCount, Completed: it.CompletedScenes, Failed: it.FailedScenes})
	return p, nil
}

func sceneItem(s *models.Scene) (dynamoItem, error) {
	doc, err := json.Marshal(s)
	if err != nil {
		return dynamoItem{}, fmt.Errorf("marshal scene: %w", err)
	}
	return dynamoItem{
		PK:        projectPK(s.ProjectID),
		SK:        sceneSK(s.Sequence),
		Kind:      string(models.KindScene),
		Status:    string(s.Status),
		Doc:       string(doc),
		UpdatedAt: formatTime(s.UpdatedAt),
	}, nil
}

func (it dynamoItem) scene() (*models.Scene, error) {
	s := &models.Scene{}
	if err := json.Unmarshal([]byte(it.Doc), s); err != nil {
		return nil, fmt.Errorf("decode scene %s %s: %w", it.PK, it.SK, err)
	}
	if seq, err := sequenceFromSK(it.SK); err == nil {
		s.Sequence = seq
	}
	return s, nil
}

func keyOf(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: pk},
		"SK": &types.AttributeValueMemberS{Value: sk},
	}
}

func numberValue(n int) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.Itoa(n)}
}

func (s *DynamoStore) getItem(ctx context.Context, pk, sk string) (*dynamoItem, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &s.tableName,
		Key:            keyOf(pk, sk),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(result.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return &item, nil
}

func (s *DynamoStore) CreateProject(ctx context.Context, project *models.Project) error {
	if err := prepareProject(project, nowUTC()); err != nil {
		return err
	}
	item, err := projectItem(project)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           &s.tableName,
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(PK)"),
	})
	if err != nil {
		return fmt.Errorf("PutItem project %s: %w", project.ID, err)
	}

	log.Debug().Str("project", project.ID.String()).Str("status", string(project.Status)).Msg("Project persisted")
	return nil
}

func (s *DynamoStore) GetProject(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	item, err := s.getItem(ctx, projectPK(id), skMeta)
	if err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	if item == nil {
		return nil, notFoundProject(id)
	}
	return item.project()
}

// UpdateProject rewrites the document and status attributes only, leaving
// the counter attributes to their atomic ADD updates.
func (s *DynamoStore) UpdateProject(ctx context.Context, id uuid.UUID, update models.ProjectUpdate) (*models.Project, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	project, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	update.Apply(project, nowUTC())

	item, err := projectItem(project)
	if err != nil {
		return nil, err
	}
	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(item.PK, item.SK),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET doc = :doc, #status = :status, GSI1PK = :gsi, updatedAt = :updated"),
		ExpressionAttributeNames: map[string]string{
			"#status": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":doc":     &types.AttributeValueMemberS{Value: item.Doc},
			":status":  &types.AttributeValueMemberS{Value: item.Status},
			":gsi":     &types.AttributeValueMemberS{Value: item.GSI1PK},
			":updated": &types.AttributeValueMemberS{Value: item.UpdatedAt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("UpdateItem project %s: %w", id, err)
	}
	return project, nil
}

// QueryByStatus pages through the status index until the limit is reached.
func (s *DynamoStore) QueryByStatus(ctx context.Context, status models.Status, opts QueryOptions) ([]models.Project, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", models.ErrValidation, status)
	}

	limit := opts.limit()
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		IndexName:              aws.String(statusIndex),
		KeyConditionExpression: aws.String("GSI1PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: gsiPrefix + string(status)},
		},
		ScanIndexForward: aws.Bool(opts.Ascending),
		Limit:            aws.Int32(int32(limit)),
	}

	projects := []models.Project{}
	for len(projects) < limit {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query %s status=%s: %w", statusIndex, status, err)
		}
		for _, raw := range result.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal project: %w", err)
			}
			p, err := item.project()
			if err != nil {
				return nil, err
			}
			projects = append(projects, *p)
			if len(projects) == limit {
				break
			}
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return projects, nil
}

// CreateScene writes the scene and increments the project's counters in one
// transaction.
func (s *DynamoStore) CreateScene(ctx context.Context, scene *models.Scene) error {
	if err := prepareScene(scene, nowUTC()); err != nil {
		return err
	}
	if _, err := s.GetProject(ctx, scene.ProjectID); err != nil {
		return err
	}

	item, err := sceneItem(scene)
	if err != nil {
		return err
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	dc, df := initialDelta(scene.Status)
	_, err = s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           &s.tableName,
				Item:                av,
				ConditionExpression: aws.String("attribute_not_exists(PK)"),
			}},
			{Update: &types.Update{
				TableName:           &s.tableName,
				Key:                 keyOf(projectPK(scene.ProjectID), skMeta),
				ConditionExpression: aws.String("attribute_exists(PK)"),
				UpdateExpression:    aws.String("ADD sceneCount :one, completedScenes :dc, failedScenes :df"),
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":one": numberValue(1),
					":dc":  numberValue(dc),
					":df":  numberValue(df),
				},
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) {
			return fmt.Errorf("%w: scene %d already exists", models.ErrValidation, scene.Sequence)
		}
		return fmt.Errorf("TransactWriteItems create scene %s/%d: %w", scene.ProjectID, scene.Sequence, err)
	}
	return nil
}

func (s *DynamoStore) GetScene(ctx context.Context, projectID uuid.UUID, sequence int) (*models.Scene, error) {
	item, err := s.getItem(ctx, projectPK(projectID), sceneSK(sequence))
	if err != nil {
		return nil, fmt.Errorf("get scene %s/%d: %w", projectID, sequence, err)
	}
	if item == nil {
		return nil, notFoundScene(projectID, sequence)
	}
	return item.scene()
}

// ListScenes queries the project partition for scene sort keys. Results come
// back in sort-key order, which is sequence order.
func (s *DynamoStore) ListScenes(ctx context.Context, projectID uuid.UUID) ([]models.Scene, error) {
	pk := projectPK(projectID)
	input := &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :skPrefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":       &types.AttributeValueMemberS{Value: pk},
			":skPrefix": &types.AttributeValueMemberS{Value: skScenePrefix},
		},
		ConsistentRead: aws.Bool(true),
	}

	scenes := []models.Scene{}
	for {
		result, err := s.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("Query PK=%s SK prefix=%s: %w", pk, skScenePrefix, err)
		}
		for _, raw := range result.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				return nil, fmt.Errorf("unmarshal scene: %w", err)
			}
			scene, err := item.scene()
			if err != nil {
				return nil, err
			}
			scenes = append(scenes, *scene)
		}
		if result.LastEvaluatedKey == nil {
			break
		}
		input.ExclusiveStartKey = result.LastEvaluatedKey
	}
	return scenes, nil
}

// UpdateScene rewrites the scene document and, when the status moved, adds
// the counter delta to the project in the same transaction.
func (s *DynamoStore) UpdateScene(ctx context.Context, projectID uuid.UUID, sequence int, update models.SceneUpdate) (*models.Scene, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	scene, err := s.GetScene(ctx, projectID, sequence)
	if err != nil {
		return nil, err
	}
	oldStatus := scene.Status
	update.Apply(scene, nowUTC())

	item, err := sceneItem(scene)
	if err != nil {
		return nil, err
	}

	items := []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:           &s.tableName,
			Key:                 keyOf(item.PK, item.SK),
			ConditionExpression: aws.String("attribute_exists(PK)"),
			UpdateExpression:    aws.String("SET doc = :doc, #status = :status, updatedAt = :updated"),
			ExpressionAttributeNames: map[string]string{
				"#status": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":doc":     &types.AttributeValueMemberS{Value: item.Doc},
				":status":  &types.AttributeValueMemberS{Value: item.Status},
				":updated": &types.AttributeValueMemberS{Value: item.UpdatedAt},
			},
		}},
	}
	if dc, df := models.CounterDelta(oldStatus, scene.Status); dc != 0 || df != 0 {
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:        &s.tableName,
			Key:              keyOf(projectPK(projectID), skMeta),
			UpdateExpression: aws.String("ADD completedScenes :dc, failedScenes :df"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":dc": numberValue(dc),
				":df": numberValue(df),
			},
		}})
	}

	if _, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return nil, fmt.Errorf("TransactWriteItems update scene %s/%d: %w", projectID, sequence, err)
	}
	return scene, nil
}

// RecalculateCounters tallies the scene items and SETs the counters.
func (s *DynamoStore) RecalculateCounters(ctx context.Context, projectID uuid.UUID) (models.Counters, error) {
	if _, err := s.GetProject(ctx, projectID); err != nil {
		return models.Counters{}, err
	}
	scenes, err := s.ListScenes(ctx, projectID)
	if err != nil {
		return models.Counters{}, err
	}
	counters := models.Tally(scenes)

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 keyOf(projectPK(projectID), skMeta),
		ConditionExpression: aws.String("attribute_exists(PK)"),
		UpdateExpression:    aws.String("SET sceneCount = :n, completedScenes = :c, failedScenes = :f, updatedAt = :updated"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":n":       numberValue(counters.SceneCount),
			":c":       numberValue(counters.Completed),
			":f":       numberValue(counters.Failed),
			":updated": &types.AttributeValueMemberS{Value: formatTime(nowUTC())},
		},
	})
	if err != nil {
		return models.Counters{}, fmt.Errorf("UpdateItem counters %s: %w", projectID, err)
	}

	log.Info().
		Str("project", projectID.String()).
		Int("scenes", counters.SceneCount).
		Int("completed", counters.Completed).
		Int("failed", counters.Failed).
		Msg("Counters recalculated")
	return counters, nil
}

func (s *DynamoStore) CountScenesByStatus(ctx context.Context, projectID uuid.UUID) (map[models.Status]int, error) {
	scenes, err := s.ListScenes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	counts := make(map[models.Status]int)
	for _, sc := range scenes {
		counts[sc.Status]++
	}
	return counts, nil
}

// Close is a no-op; the AWS client holds no resources that need releasing.
func (s *DynamoStore) Close() error { return nil }
