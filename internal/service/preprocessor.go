// preprocessor.go — разрешение ссылок на дельты в запросе.
//
// Разбор SQL и извлечение ссылок выполняют внешние компоненты
// (DefinitionService, DeltaInformationExtractor). Препроцессор превращает каждую
// ссылку в конкретный sysCn или интервал sysCn. Все ссылки разрешаются
// параллельно; при любой ошибке запрос отклоняется целиком с перечнем всех ошибок.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bigkaa/goartstore/delta-module/internal/domain/model"
)

// maxParallelResolves — ограничение параллельных разрешений в одном запросе.
const maxParallelResolves = 16

// SQLNode — разобранный запрос (AST внешнего парсера).
type SQLNode = any

// DefinitionService разбирает текст SQL.
type DefinitionService interface {
	Parse(sql string) (SQLNode, error)
}

// DeltaExtractResult — ссылки на дельты и запрос без конструкций FOR SYSTEM_TIME.
type DeltaExtractResult struct {
	DeltaInformations   []model.DeltaInformation
	SQLWithoutSnapshots string
}

// DeltaInformationExtractor извлекает ссылки на дельты из разобранного запроса.
type DeltaInformationExtractor interface {
	Extract(node SQLNode) (*DeltaExtractResult, error)
}

// DeltaResolver — чтения дельт, нужные для разрешения ссылок.
// Реализуется *DeltaService.
type DeltaResolver interface {
	GetCnFromDeltaHot(ctx context.Context, dm string) (int64, error)
	GetCnToByDeltaNum(ctx context.Context, dm string, num int64) (int64, error)
	GetCnToByDeltaDatetime(ctx context.Context, dm string, t time.Time) (int64, error)
	GetCnFromCnToByDeltaNums(ctx context.Context, dm string, from, to int64) (model.SelectOnInterval, error)
	GetCnToLatest(ctx context.Context, dm string) (int64, error)
}

// DeltaQueryPreprocessor разрешает ссылки на дельты в запросе.
type DeltaQueryPreprocessor struct {
	definitions DefinitionService
	extractor   DeltaInformationExtractor
	resolver    DeltaResolver
	logger      *slog.Logger
}

// NewDeltaQueryPreprocessor создаёт препроцессор.
// definitions и extractor нужны только для Process; Resolve работает без них.
func NewDeltaQueryPreprocessor(
	definitions DefinitionService,
	extractor DeltaInformationExtractor,
	resolver DeltaResolver,
	logger *slog.Logger,
) *DeltaQueryPreprocessor {
	return &DeltaQueryPreprocessor{
		definitions: definitions,
		extractor:   extractor,
		resolver:    resolver,
		logger:      logger.With(slog.String("component", "delta_preprocessor")),
	}
}

// Process разбирает запрос, извлекает ссылки на дельты и разрешает их.
// Возвращает копию запроса; исходный запрос не изменяется.
func (p *DeltaQueryPreprocessor) Process(ctx context.Context, req *model.QueryRequest) (*model.QueryRequest, error) {
	if req == nil || strings.TrimSpace(req.SQL) == "" {
		return nil, model.NewDeltaError(model.CodeInvalidRequest, "не задан текст запроса")
	}
	if p.definitions == nil || p.extractor == nil {
		return nil, model.NewDeltaError(model.CodeDeltaException, "разбор SQL не настроен")
	}

	node, err := p.definitions.Parse(req.SQL)
	if err != nil {
		return nil, &model.DeltaError{Code: model.CodeInvalidRequest, Message: "ошибка разбора запроса", Err: err}
	}
	extracted, err := p.extractor.Extract(node)
	if err != nil {
		return nil, &model.DeltaError{Code: model.CodeInvalidRequest, Message: "ошибка извлечения ссылок на дельты", Err: err}
	}

	infos, err := p.Resolve(ctx, extracted.DeltaInformations)
	if err != nil {
		return nil, err
	}

	out := req.Copy()
	out.SQL = extracted.SQLWithoutSnapshots
	out.DeltaInformations = infos
	return out, nil
}

// Resolve разрешает ссылки на дельты. Возвращает новые значения; входной
// срез не изменяется. Ошибки всех ссылок объединяются в одну ErrDeltaRangeInvalid.
func (p *DeltaQueryPreprocessor) Resolve(ctx context.Context, infos []model.DeltaInformation) ([]model.DeltaInformation, error) {
	out := make([]model.DeltaInformation, len(infos))
	for i, info := range infos {
		out[i] = info.Copy()
	}
	errs := make([]error, len(out))

	var g errgroup.Group
	g.SetLimit(maxParallelResolves)
	for i := range out {
		g.Go(func() error {
			errs[i] = p.resolveOne(ctx, &out[i])
			return nil
		})
	}
	_ = g.Wait()

	var (
		messages []string
		seen     = make(map[string]bool)
	)
	for _, err := range errs {
		if err == nil {
			continue
		}
		msg := err.Error()
		if !seen[msg] {
			seen[msg] = true
			messages = append(messages, msg)
		}
	}
	if len(messages) == 0 {
		return out, nil
	}

	p.logger.Warn("Ссылки на дельты не разрешены",
		slog.Int("references", len(infos)),
		slog.String("errors", strings.Join(messages, ";")),
	)
	return nil, &model.DeltaError{
		Code:    model.CodeDeltaRangeInvalid,
		Message: strings.Join(messages, ";"),
		Err:     errors.Join(errs...),
	}
}

// resolveOne заполняет SelectOnNum или SelectOnInterval одной ссылки.
func (p *DeltaQueryPreprocessor) resolveOne(ctx context.Context, info *model.DeltaInformation) error {
	dm := info.SchemaName
	if strings.EqualFold(dm, model.InformationSchemaName) {
		return nil
	}

	if info.IsLatestUncommittedDelta {
		cn, err := p.resolver.GetCnFromDeltaHot(ctx, dm)
		if err != nil {
			return err
		}
		info.SelectOnNum = model.Int64Ptr(cn)
		return nil
	}

	switch info.Type {
	case model.DeltaTypeNum:
		if info.SelectOnNum == nil {
			return fmt.Errorf("%s.%s: не задан номер дельты", dm, info.TableName)
		}
		cn, err := p.resolver.GetCnToByDeltaNum(ctx, dm, *info.SelectOnNum)
		if err != nil {
			return err
		}
		info.SelectOnNum = model.Int64Ptr(cn)

	case model.DeltaTypeDateTime:
		t, err := model.ParseDeltaDateTime(info.DeltaTimestamp)
		if err != nil {
			return err
		}
		cn, err := p.resolver.GetCnToByDeltaDatetime(ctx, dm, t)
		if err != nil {
			return err
		}
		info.SelectOnNum = model.Int64Ptr(cn)

	case model.DeltaTypeStartedIn, model.DeltaTypeFinishedIn:
		if info.SelectOnInterval == nil {
			return fmt.Errorf("%s.%s: не задан интервал дельт", dm, info.TableName)
		}
		iv, err := p.resolver.GetCnFromCnToByDeltaNums(ctx, dm,
			info.SelectOnInterval.SelectOnFrom, info.SelectOnInterval.SelectOnTo)
		if err != nil {
			return err
		}
		info.SelectOnInterval = &iv

	case model.DeltaTypeWithoutSnapshot, "":
		cn, err := p.resolver.GetCnToLatest(ctx, dm)
		if err != nil {
			return err
		}
		info.SelectOnNum = model.Int64Ptr(cn)

	default:
		return fmt.Errorf("%s.%s: тип ссылки на дельту %s не поддерживается", dm, info.TableName, info.Type)
	}
	return nil
}
